// Package verify polls the hosting platform and the deployed site until a
// commit's deployment is live or the verification window closes.
package verify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"pagesmith/internal/backoff"
	"pagesmith/internal/buildfail"
	"pagesmith/internal/githost"
	"pagesmith/internal/logging"
	"pagesmith/internal/metrics"
)

// errNotReady marks an expected "keep polling" outcome inside the retry
// loop. It never escapes Await.
var errNotReady = errors.New("not ready yet")

// Ref identifies the deployment to verify.
type Ref struct {
	Repo      string
	CommitSHA string
	PagesURL  string
}

// RunSource reads workflow-run status for a commit. *githost.Client
// satisfies it.
type RunSource interface {
	LatestRunForSHA(ctx context.Context, repo, sha string) (*githost.WorkflowRun, error)
}

// Verifier polls with capped exponential backoff. The zero value is not
// usable; construct with New.
type Verifier struct {
	runs       RunSource
	httpClient *http.Client
	policy     backoff.Policy
}

// New builds a Verifier. policy bounds both polling phases together via its
// MaxAttempts; the overall window is the caller's context deadline.
func New(runs RunSource, policy backoff.Policy) *Verifier {
	return &Verifier{
		runs: runs,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		policy: policy,
	}
}

// Await blocks until the workflow run for ref's commit completes and the
// public URL answers with a non-error status, or until the context or the
// poll budget runs out, which yields a deploy-timeout error. Cancellation
// propagates immediately; the polling loop never leaks.
func (v *Verifier) Await(ctx context.Context, ref Ref) error {
	log := logging.L().With(zap.String("repo", ref.Repo), zap.String("commit", ref.CommitSHA))

	// Phase 1: the platform's build/deploy automation for this commit.
	err := backoff.Retry(ctx, v.policy, isNotReady, func(ctx context.Context) error {
		metrics.Get().DeployPolls.Inc()
		run, err := v.runs.LatestRunForSHA(ctx, ref.Repo, ref.CommitSHA)
		if errors.Is(err, githost.ErrNoRuns) || errors.Is(err, githost.ErrNotFound) {
			// The workflow has not been scheduled yet.
			return errNotReady
		}
		if err != nil {
			if buildfail.IsTransient(err) {
				return errNotReady
			}
			return err
		}
		if run.Status != "completed" {
			log.Debug("workflow still running", zap.String("status", run.Status))
			return errNotReady
		}
		if run.Conclusion != "success" {
			// A failed workflow can still have published an earlier
			// artifact; the site probe below decides.
			log.Warn("workflow completed without success", zap.String("conclusion", run.Conclusion))
		}
		return nil
	})
	if err != nil {
		return v.timedOut(err, "workflow", ref)
	}

	// Phase 2: the public URL answers.
	err = backoff.Retry(ctx, v.policy, isNotReady, func(ctx context.Context) error {
		metrics.Get().DeployPolls.Inc()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.PagesURL, nil)
		if err != nil {
			return err
		}
		resp, err := v.httpClient.Do(req)
		if err != nil {
			return errNotReady
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			log.Debug("site not serving yet", zap.Int("status", resp.StatusCode))
			return errNotReady
		}
		log.Info("deployment verified", zap.String("url", ref.PagesURL))
		return nil
	})
	if err != nil {
		return v.timedOut(err, "site", ref)
	}
	return nil
}

func (v *Verifier) timedOut(err error, phase string, ref Ref) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return buildfail.Wrap(buildfail.KindDeployTimeout,
		fmt.Errorf("%s for %s not ready in time: %w", phase, ref.PagesURL, err))
}

func isNotReady(err error) bool {
	return errors.Is(err, errNotReady)
}
