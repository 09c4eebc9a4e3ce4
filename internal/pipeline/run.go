package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"pagesmith/internal/agent"
	"pagesmith/internal/backoff"
	"pagesmith/internal/buildfail"
	"pagesmith/internal/githost"
	"pagesmith/internal/logging"
	"pagesmith/internal/metrics"
	"pagesmith/internal/notify"
	"pagesmith/internal/starter"
	"pagesmith/internal/taskstore"
	"pagesmith/internal/verify"
)

const defaultBranch = "main"

// execute drives one run through the state machine. Every exit path
// releases the task lock, delivers a callback, and records the terminal
// state, so a task never wedges.
func (o *Orchestrator) execute(run *Run) {
	m := metrics.Get()
	m.RunsInFlight.Inc()
	started := time.Now()
	log := logging.ForRun(run.ID, run.Req.Task, run.Req.Round)

	ctx, cancel := context.WithTimeout(o.baseCtx, o.cfg.RunDeadline)
	defer cancel()
	defer run.release()
	defer m.RunsInFlight.Dec()

	if err := o.advance(ctx, run, log); err != nil {
		run.runErr = err
		o.setState(run, StateFailed, log)
		log.Error("run failed", zap.String("kind", string(buildfail.KindOf(err))), zap.Error(err))
	}

	callbackState := o.sendCallback(run, log)

	o.finish(run, callbackState, log)

	status := "succeeded"
	if run.runErr != nil {
		status = string(buildfail.KindOf(run.runErr))
	}
	m.RunsCompleted.WithLabelValues(status).Inc()
	m.RunDuration.Observe(time.Since(started).Seconds())
	log.Info("run finished",
		zap.String("status", status),
		zap.Duration("elapsed", time.Since(started)))
}

// advance walks RECEIVED..DEPLOY_* in order and returns the first hard
// failure. The callback and bookkeeping steps run regardless of its result.
func (o *Orchestrator) advance(ctx context.Context, run *Run, log *zap.Logger) error {
	if err := o.assembleContext(ctx, run, log); err != nil {
		return err
	}
	if err := o.generate(ctx, run, log); err != nil {
		return err
	}
	if err := o.publish(ctx, run, log); err != nil {
		return err
	}
	o.verifyDeploy(ctx, run, log)
	return nil
}

// assembleContext moves the run to CONTEXT_READY: round preconditions,
// the repository snapshot for revision rounds, and the attachment blobs.
func (o *Orchestrator) assembleContext(ctx context.Context, run *Run, log *zap.Logger) error {
	req := run.Req
	bundle := &agent.BuildContext{
		Brief:  req.Brief,
		Checks: req.Checks,
		Round:  req.Round,
	}
	for _, a := range run.Attachments {
		bundle.Attachments = append(bundle.Attachments, agent.AttachmentBlob{
			Name:      a.Name,
			MediaType: a.MediaType,
			Content:   a.Content,
		})
	}

	if req.Round == 1 {
		run.repoName = repoNameFor(req.Task)
	} else {
		task, err := o.store.Get(ctx, req.Task)
		if err != nil {
			if errors.Is(err, taskstore.ErrNotFound) {
				return buildfail.New(buildfail.KindSequence,
					"round %d requested but task has no completed rounds", req.Round)
			}
			return buildfail.Wrap(buildfail.KindInternal, err)
		}
		if task.LatestRound != req.Round-1 {
			return buildfail.New(buildfail.KindSequence,
				"round %d requested but latest completed round is %d", req.Round, task.LatestRound)
		}
		run.repoName = task.RepoName
		if err := o.snapshotRepo(ctx, run, bundle, log); err != nil {
			return err
		}
	}

	run.bundle = bundle
	o.setState(run, StateContextReady, log)
	return nil
}

// snapshotRepo loads the current tree and the textual file contents so a
// revision round sees what it is revising. Binary files are listed but not
// inlined; oversized files are truncated with a visible marker.
func (o *Orchestrator) snapshotRepo(ctx context.Context, run *Run, bundle *agent.BuildContext, log *zap.Logger) error {
	entries, err := o.host.GetTree(ctx, run.repoName, defaultBranch)
	if err != nil {
		return buildfail.Wrap(buildfail.KindPublish, err)
	}
	for _, e := range entries {
		if e.Type != "blob" {
			continue
		}
		bundle.RepositoryTree = append(bundle.RepositoryTree, e.Path)
		if !textualPath(e.Path) {
			continue
		}
		content, err := o.host.GetFileText(ctx, run.repoName, e.Path, defaultBranch)
		if err != nil {
			log.Warn("skipping unreadable repository file", zap.String("path", e.Path), zap.Error(err))
			continue
		}
		if !utf8.ValidString(content) {
			continue
		}
		file := agent.ContextFile{Path: e.Path, Content: content}
		if len(content) > o.cfg.MaxContextFileBytes {
			file.Content = content[:o.cfg.MaxContextFileBytes] + "\n... [file truncated]"
			file.Truncated = true
		}
		bundle.RepositoryFiles = append(bundle.RepositoryFiles, file)
	}
	return nil
}

// generate asks the agent for this round's mutation set, retrying transient
// collaborator failures locally.
func (o *Orchestrator) generate(ctx context.Context, run *Run, log *zap.Logger) error {
	o.setState(run, StateGenerating, log)
	m := metrics.Get()

	agentCtx, cancel := context.WithTimeout(ctx, o.cfg.AgentTimeout)
	defer cancel()

	var mutations *agent.MutationSet
	err := backoff.Retry(agentCtx, o.cfg.CollaboratorRetry, buildfail.IsTransient, func(ctx context.Context) error {
		var err error
		mutations, err = o.agent.GenerateMutations(ctx, run.bundle)
		return err
	})
	if err != nil {
		m.AgentCalls.WithLabelValues("error").Inc()
		return buildfail.Wrap(buildfail.KindAgent, err)
	}
	m.AgentCalls.WithLabelValues("ok").Inc()

	if run.Req.Round > 1 && mutations.Empty() {
		return buildfail.New(buildfail.KindAgent, "agent returned an empty mutation set for a revision round")
	}
	run.mutations = mutations
	return nil
}

// publish creates the repository on round 1, merges starter files,
// attachments, and agent mutations into one change list, and advances the
// branch reference in a single atomic commit.
func (o *Orchestrator) publish(ctx context.Context, run *Run, log *zap.Logger) error {
	o.setState(run, StatePublishing, log)
	req := run.Req

	pubCtx, cancel := context.WithTimeout(ctx, o.cfg.PublishTimeout)
	defer cancel()

	repo, err := o.host.EnsureRepo(pubCtx, run.repoName, briefSummary(req.Brief))
	if err != nil {
		return buildfail.Wrap(buildfail.KindPublish, err)
	}
	run.repoURL = repo.HTMLURL

	if req.Round == 1 {
		if err := o.host.EnablePages(pubCtx, run.repoName); err != nil {
			return buildfail.Wrap(buildfail.KindPublish, err)
		}
	}

	changes := o.mergeChanges(run)
	if len(changes) == 0 {
		return buildfail.New(buildfail.KindPublish, "nothing to publish for round %d", req.Round)
	}

	message := fmt.Sprintf("Round %d: %s", req.Round, briefSummary(req.Brief))
	var sha string
	err = backoff.Retry(pubCtx, o.cfg.CollaboratorRetry, buildfail.IsTransient, func(ctx context.Context) error {
		var err error
		sha, err = o.host.CommitFiles(ctx, run.repoName, defaultBranch, message, changes)
		return err
	})
	if err != nil {
		return buildfail.Wrap(buildfail.KindPublish, err)
	}

	run.commitSHA = sha
	run.pagesURL = o.host.PagesURL(run.repoName)
	run.published = true
	log.Info("round published",
		zap.String("repo", run.repoName),
		zap.String("commit", sha),
		zap.Int("changes", len(changes)))
	o.setState(run, StateDeployPending, log)
	return nil
}

// mergeChanges folds starter scaffolding (round 1 only), attachment files,
// and the agent's mutation set into one ordered change list. Later sources
// win on path collisions, so the agent can rewrite scaffolding it dislikes.
func (o *Orchestrator) mergeChanges(run *Run) []githost.Change {
	merged := make(map[string]githost.Change)

	if run.Req.Round == 1 {
		for p, content := range starter.Files(run.Req.Brief, run.Req.Checks) {
			merged[p] = githost.NewChange(p, content)
		}
		for _, a := range run.Attachments {
			merged[a.Name] = githost.NewChange(a.Name, string(a.Content))
		}
	}
	if run.mutations != nil {
		for _, mut := range run.mutations.Creates {
			merged[mut.Path] = githost.NewChange(mut.Path, mut.Content)
		}
		for _, mut := range run.mutations.Updates {
			merged[mut.Path] = githost.NewChange(mut.Path, mut.Content)
		}
		for _, p := range run.mutations.Deletes {
			if run.Req.Round == 1 {
				continue
			}
			if p == starter.WorkflowPath {
				continue
			}
			merged[p] = githost.Delete(p)
		}
	}

	paths := make([]string, 0, len(merged))
	for p := range merged {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	changes := make([]githost.Change, 0, len(paths))
	for _, p := range paths {
		changes = append(changes, merged[p])
	}
	return changes
}

// verifyDeploy waits for the published commit to actually serve. Timing out
// is a degraded outcome, not a failure of the run itself, so this never
// aborts the callback.
func (o *Orchestrator) verifyDeploy(ctx context.Context, run *Run, log *zap.Logger) {
	verifyCtx, cancel := context.WithTimeout(ctx, o.cfg.VerifyWindow)
	defer cancel()

	err := o.verifier.Await(verifyCtx, verify.Ref{
		Repo:      run.repoName,
		CommitSHA: run.commitSHA,
		PagesURL:  run.pagesURL,
	})
	if err != nil {
		run.runErr = err
		o.setState(run, StateDeployTimedOut, log)
		log.Warn("deployment not verified", zap.Error(err))
		return
	}
	run.verified = true
	o.setState(run, StateDeployVerified, log)
}

// sendCallback always runs once a run was admitted, success or not, so the
// evaluator hears about every round exactly as often as we managed to tell
// it. Returns the resulting callback state.
func (o *Orchestrator) sendCallback(run *Run, log *zap.Logger) State {
	m := metrics.Get()
	p := &notify.Payload{
		Email:     run.Req.Email,
		Task:      run.Req.Task,
		Round:     run.Req.Round,
		Nonce:     run.Req.Nonce,
		Status:    notify.StatusSucceeded,
		RepoURL:   run.repoURL,
		PagesURL:  run.pagesURL,
		CommitSHA: run.commitSHA,
	}
	if run.runErr != nil {
		p.Status = notify.StatusFailed
		p.Error = run.runErr.Error()
	}

	// The run deadline may already be spent; the callback gets its own
	// budget so a slow build still reports.
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CallbackBudget)
	defer cancel()

	m.CallbackAttempts.Inc()
	if err := o.notifier.Deliver(ctx, run.Req.EvaluationURL, p); err != nil {
		if run.runErr == nil {
			run.runErr = err
		}
		m.CallbackOutcomes.WithLabelValues("exhausted").Inc()
		o.setState(run, StateCallbackExhausted, log)
		log.Error("evaluation callback exhausted", zap.Error(err))
		return StateCallbackExhausted
	}
	m.CallbackOutcomes.WithLabelValues("delivered").Inc()
	o.setState(run, StateCallbackSent, log)
	return StateCallbackSent
}

// finish records the terminal state. The task row only claims a higher
// latest round when the commit actually landed, and the nonce is marked
// seen on every path so a replayed request stays a no-op.
func (o *Orchestrator) finish(run *Run, callbackState State, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	terminal := string(StateDone)
	if callbackState == StateCallbackExhausted {
		terminal = string(StateCallbackExhausted)
	} else if run.runErr != nil {
		terminal = string(StateFailed)
	}

	if run.published {
		_, err := o.store.Upsert(ctx, run.Req.Task, func(t *taskstore.Task) {
			t.Email = run.Req.Email
			t.RepoName = run.repoName
			t.RepoURL = run.repoURL
			t.LatestCommitSHA = run.commitSHA
			t.PagesURL = run.pagesURL
			t.LatestRound = run.Req.Round
			t.LastState = terminal
			t.LastError = errString(run.runErr)
		})
		if err != nil {
			log.Error("recording published round failed", zap.Error(err))
		}
	} else if run.Req.Round > 1 {
		// An existing task keeps its round but records the failed attempt.
		_, err := o.store.Upsert(ctx, run.Req.Task, func(t *taskstore.Task) {
			t.LastState = terminal
			t.LastError = errString(run.runErr)
		})
		if err != nil {
			log.Error("recording failed round failed", zap.Error(err))
		}
	}

	if err := o.store.MarkNonceSeen(ctx, run.Req.Task, run.Req.Nonce); err != nil {
		log.Error("marking nonce seen failed", zap.Error(err))
	}

	o.setState(run, StateDone, log)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}

func repoNameFor(taskID string) string {
	return "generated-" + taskID
}

// briefSummary trims the brief to a one-line repository description.
func briefSummary(brief string) string {
	line := strings.TrimSpace(brief)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if len(line) > 120 {
		line = line[:117] + "..."
	}
	return line
}

var binaryExts = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {}, ".ico": {},
	".pdf": {}, ".zip": {}, ".gz": {}, ".tar": {}, ".woff": {}, ".woff2": {},
	".ttf": {}, ".otf": {}, ".eot": {}, ".mp3": {}, ".mp4": {}, ".wasm": {},
}

func textualPath(p string) bool {
	_, binary := binaryExts[strings.ToLower(path.Ext(p))]
	return !binary
}
