package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagesmith/internal/agent"
	"pagesmith/internal/backoff"
	"pagesmith/internal/buildfail"
	"pagesmith/internal/githost"
	"pagesmith/internal/notify"
	"pagesmith/internal/request"
	"pagesmith/internal/starter"
	"pagesmith/internal/taskstore"
	"pagesmith/internal/verify"
)

type fakeAgent struct {
	mu      sync.Mutex
	bundles []*agent.BuildContext
	next    *agent.MutationSet
	err     error
	block   chan struct{}
}

func (f *fakeAgent) GenerateMutations(ctx context.Context, b *agent.BuildContext) (*agent.MutationSet, error) {
	f.mu.Lock()
	f.bundles = append(f.bundles, b)
	block, failure, next := f.block, f.err, f.next
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		return nil, failure
	}
	if next != nil {
		return next, nil
	}
	return &agent.MutationSet{
		Creates: []agent.FileMutation{{Path: "app.js", Content: "console.log('hi')"}},
	}, nil
}

type fakeHost struct {
	mu      sync.Mutex
	files   map[string]string
	commits []string
	pages   bool
	failPub error
}

func newFakeHost() *fakeHost {
	return &fakeHost{files: map[string]string{}}
}

func (f *fakeHost) EnsureRepo(ctx context.Context, name, description string) (*githost.Repo, error) {
	return &githost.Repo{Name: name, FullName: "builder/" + name,
		HTMLURL: "https://github.com/builder/" + name, DefaultBranch: "main"}, nil
}

func (f *fakeHost) GetTree(ctx context.Context, repo, ref string) ([]githost.TreeEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var entries []githost.TreeEntry
	for p := range f.files {
		entries = append(entries, githost.TreeEntry{Path: p, Type: "blob", Size: int64(len(f.files[p]))})
	}
	return entries, nil
}

func (f *fakeHost) GetFileText(ctx context.Context, repo, path, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path]
	if !ok {
		return "", githost.ErrNotFound
	}
	return content, nil
}

func (f *fakeHost) CommitFiles(ctx context.Context, repo, branch, message string, changes []githost.Change) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPub != nil {
		return "", f.failPub
	}
	for _, ch := range changes {
		if ch.Content == nil {
			delete(f.files, ch.Path)
		} else {
			f.files[ch.Path] = *ch.Content
		}
	}
	sha := time.Now().Format("20060102150405.000000000")
	f.commits = append(f.commits, sha)
	return sha, nil
}

func (f *fakeHost) EnablePages(ctx context.Context, repo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages = true
	return nil
}

func (f *fakeHost) PagesURL(repo string) string {
	return "https://builder.github.io/" + repo + "/"
}

type fakeVerifier struct {
	err error
}

func (f *fakeVerifier) Await(ctx context.Context, ref verify.Ref) error { return f.err }

type fakeNotifier struct {
	mu       sync.Mutex
	payloads []*notify.Payload
	err      error
}

func (f *fakeNotifier) Deliver(ctx context.Context, url string, p *notify.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, p)
	return nil
}

func (f *fakeNotifier) last(t *testing.T) *notify.Payload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.payloads)
	return f.payloads[len(f.payloads)-1]
}

type harness struct {
	orch     *Orchestrator
	store    *taskstore.Store
	agent    *fakeAgent
	host     *fakeHost
	verifier *fakeVerifier
	notifier *fakeNotifier
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	store, err := taskstore.Open(taskstore.Options{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.RunDeadline = 10 * time.Second
	cfg.AgentTimeout = 5 * time.Second
	cfg.PublishTimeout = 5 * time.Second
	cfg.VerifyWindow = 5 * time.Second
	cfg.CallbackBudget = 5 * time.Second
	cfg.CollaboratorRetry = backoff.Policy{
		Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2, MaxAttempts: 3,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		store:    store,
		agent:    &fakeAgent{},
		host:     newFakeHost(),
		verifier: &fakeVerifier{},
		notifier: &fakeNotifier{},
	}
	h.orch = New(cfg, store, h.agent, h.host, h.verifier, h.notifier)
	h.orch.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.orch.Shutdown(ctx)
	})
	return h
}

func buildReq(task string, round int, nonce string) *request.BuildRequest {
	return &request.BuildRequest{
		Email:         "student@example.com",
		Secret:        "s3cret",
		Task:          task,
		Round:         round,
		Nonce:         nonce,
		Brief:         "Build a color picker web app",
		Checks:        []string{"page loads", "picker works"},
		EvaluationURL: "https://eval.example.com/cb",
	}
}

// waitCallbacks blocks until the notifier has seen n payloads.
func (h *harness) waitCallbacks(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h.notifier.mu.Lock()
		got := len(h.notifier.payloads)
		h.notifier.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d callbacks", n)
}

// waitTaskState blocks until the stored row reaches the wanted state.
func (h *harness) waitTaskState(t *testing.T, taskID, state string) *taskstore.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := h.store.Get(context.Background(), taskID)
		if err == nil && task.LastState == state {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached state %s", taskID, state)
	return nil
}

func TestFirstRoundPublishesAndReports(t *testing.T) {
	h := newHarness(t, nil)

	req := buildReq("task-1", 1, "n-1")
	require.NoError(t, h.orch.Submit(context.Background(), req, nil))
	h.waitCallbacks(t, 1)

	p := h.notifier.last(t)
	assert.Equal(t, notify.StatusSucceeded, p.Status)
	assert.Equal(t, "task-1", p.Task)
	assert.Equal(t, 1, p.Round)
	assert.Equal(t, "n-1", p.Nonce)
	assert.Equal(t, "student@example.com", p.Email)
	assert.NotEmpty(t, p.RepoURL)
	assert.NotEmpty(t, p.PagesURL)
	assert.NotEmpty(t, p.CommitSHA)
	assert.Empty(t, p.Error)

	task := h.waitTaskState(t, "task-1", string(StateDone))
	assert.Equal(t, 1, task.LatestRound)
	assert.Equal(t, "generated-task-1", task.RepoName)
	assert.Equal(t, p.CommitSHA, task.LatestCommitSHA)

	// starter scaffolding, attachments and agent mutations all landed
	h.host.mu.Lock()
	defer h.host.mu.Unlock()
	assert.True(t, h.host.pages)
	assert.Contains(t, h.host.files, "index.html")
	assert.Contains(t, h.host.files, starter.WorkflowPath)
	assert.Contains(t, h.host.files, "app.js")
	assert.Len(t, h.host.commits, 1)
}

func TestAttachmentsLandInRepository(t *testing.T) {
	h := newHarness(t, nil)

	atts := []request.DecodedAttachment{
		{Name: "data.csv", MediaType: "text/csv", Content: []byte("a,b\n1,2\n")},
	}
	require.NoError(t, h.orch.Submit(context.Background(), buildReq("task-att", 1, "n-1"), atts))
	h.waitCallbacks(t, 1)

	h.host.mu.Lock()
	defer h.host.mu.Unlock()
	assert.Equal(t, "a,b\n1,2\n", h.host.files["data.csv"])

	h.agent.mu.Lock()
	defer h.agent.mu.Unlock()
	require.Len(t, h.agent.bundles, 1)
	require.Len(t, h.agent.bundles[0].Attachments, 1)
	assert.Equal(t, "data.csv", h.agent.bundles[0].Attachments[0].Name)
}

func TestRevisionRoundSeesRepositorySnapshot(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.orch.Submit(context.Background(), buildReq("task-2", 1, "n-1"), nil))
	h.waitCallbacks(t, 1)
	h.waitTaskState(t, "task-2", string(StateDone))

	h.agent.mu.Lock()
	h.agent.next = &agent.MutationSet{
		Updates: []agent.FileMutation{{Path: "index.html", Content: "<html>v2</html>"}},
		Deletes: []string{"script.js"},
	}
	h.agent.mu.Unlock()

	require.NoError(t, h.orch.Submit(context.Background(), buildReq("task-2", 2, "n-2"), nil))
	h.waitCallbacks(t, 2)

	p := h.notifier.last(t)
	assert.Equal(t, notify.StatusSucceeded, p.Status)
	assert.Equal(t, 2, p.Round)

	task := h.waitTaskState(t, "task-2", string(StateDone))
	assert.Equal(t, 2, task.LatestRound)

	// the agent saw the published tree
	h.agent.mu.Lock()
	require.Len(t, h.agent.bundles, 2)
	second := h.agent.bundles[1]
	h.agent.mu.Unlock()
	assert.Contains(t, second.RepositoryTree, "index.html")
	var sawIndex bool
	for _, f := range second.RepositoryFiles {
		if f.Path == "index.html" {
			sawIndex = true
		}
	}
	assert.True(t, sawIndex)

	// update applied, delete applied
	h.host.mu.Lock()
	defer h.host.mu.Unlock()
	assert.Equal(t, "<html>v2</html>", h.host.files["index.html"])
	assert.NotContains(t, h.host.files, "script.js")
	assert.Len(t, h.host.commits, 2)
}

func TestRoundSkippingIsRejected(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.orch.Submit(context.Background(), buildReq("task-3", 3, "n-1"), nil))
	h.waitCallbacks(t, 1)

	p := h.notifier.last(t)
	assert.Equal(t, notify.StatusFailed, p.Status)
	assert.Contains(t, p.Error, "sequence")
	assert.Empty(t, p.CommitSHA)

	// nothing was published and no task row claims a round
	_, err := h.store.Get(context.Background(), "task-3")
	assert.ErrorIs(t, err, taskstore.ErrNotFound)
}

func TestConcurrentRoundForSameTaskIsBusy(t *testing.T) {
	h := newHarness(t, nil)

	block := make(chan struct{})
	h.agent.mu.Lock()
	h.agent.block = block
	h.agent.mu.Unlock()

	require.NoError(t, h.orch.Submit(context.Background(), buildReq("task-4", 1, "n-1"), nil))

	// second round for the same task while the first is in flight
	deadline := time.Now().Add(2 * time.Second)
	var err error
	for time.Now().Before(deadline) {
		err = h.orch.Submit(context.Background(), buildReq("task-4", 2, "n-2"), nil)
		if errors.Is(err, ErrBusy) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.ErrorIs(t, err, ErrBusy)

	// a different task is admitted fine
	assert.NoError(t, h.orch.Submit(context.Background(), buildReq("task-5", 1, "n-1"), nil))

	close(block)
	h.waitCallbacks(t, 2)

	// once the first round is done the lock is free again
	require.Eventually(t, func() bool {
		err := h.orch.Submit(context.Background(), buildReq("task-4", 2, "n-3"), nil)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestQueueOverflowReleasesLock(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Workers = 1
		cfg.QueueDepth = 0
	})

	block := make(chan struct{})
	h.agent.mu.Lock()
	h.agent.block = block
	h.agent.mu.Unlock()

	require.NoError(t, h.orch.Submit(context.Background(), buildReq("task-6", 1, "n-1"), nil))

	// with one blocked worker and no queue, the next task is shed
	var overloaded bool
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		err := h.orch.Submit(context.Background(), buildReq("task-7", 1, "n-1"), nil)
		if errors.Is(err, ErrOverloaded) {
			overloaded = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, overloaded)

	close(block)
	h.waitCallbacks(t, 1)

	// shedding released task-7's lock, so it is admissible now
	require.Eventually(t, func() bool {
		return h.orch.Submit(context.Background(), buildReq("task-7", 1, "n-2"), nil) == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAgentFailureReportsFailedCallback(t *testing.T) {
	h := newHarness(t, nil)

	h.agent.mu.Lock()
	h.agent.err = buildfail.New(buildfail.KindAgent, "model refused")
	h.agent.mu.Unlock()

	require.NoError(t, h.orch.Submit(context.Background(), buildReq("task-8", 1, "n-1"), nil))
	h.waitCallbacks(t, 1)

	p := h.notifier.last(t)
	assert.Equal(t, notify.StatusFailed, p.Status)
	assert.Contains(t, p.Error, "model refused")
	assert.Empty(t, p.CommitSHA)

	h.host.mu.Lock()
	defer h.host.mu.Unlock()
	assert.Empty(t, h.host.commits)
}

func TestDeployTimeoutStillReportsRepository(t *testing.T) {
	h := newHarness(t, nil)
	h.verifier.err = buildfail.New(buildfail.KindDeployTimeout, "site never answered")

	require.NoError(t, h.orch.Submit(context.Background(), buildReq("task-9", 1, "n-1"), nil))
	h.waitCallbacks(t, 1)

	p := h.notifier.last(t)
	assert.Equal(t, notify.StatusFailed, p.Status)
	assert.Contains(t, p.Error, "site never answered")
	// the publish did land, so the payload still points at it
	assert.NotEmpty(t, p.RepoURL)
	assert.NotEmpty(t, p.CommitSHA)

	// the published round is recorded so a revision round can follow
	task := h.waitTaskState(t, "task-9", string(StateFailed))
	assert.Equal(t, 1, task.LatestRound)
}

func TestCallbackExhaustionIsRecorded(t *testing.T) {
	h := newHarness(t, nil)
	h.notifier.err = buildfail.New(buildfail.KindCallbackExhausted, "gave up after 5 attempts")

	require.NoError(t, h.orch.Submit(context.Background(), buildReq("task-10", 1, "n-1"), nil))

	task := h.waitTaskState(t, "task-10", string(StateCallbackExhausted))
	assert.Equal(t, 1, task.LatestRound)
	assert.Contains(t, task.LastError, "gave up")
}

func TestNonceMarkedSeenOnFailureToo(t *testing.T) {
	h := newHarness(t, nil)

	h.agent.mu.Lock()
	h.agent.err = buildfail.New(buildfail.KindAgent, "boom")
	h.agent.mu.Unlock()

	require.NoError(t, h.orch.Submit(context.Background(), buildReq("task-11", 1, "n-1"), nil))
	h.waitCallbacks(t, 1)

	require.Eventually(t, func() bool {
		seen, err := h.store.NonceSeen(context.Background(), "task-11", "n-1")
		return err == nil && seen
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEmptyRevisionMutationSetFails(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.orch.Submit(context.Background(), buildReq("task-12", 1, "n-1"), nil))
	h.waitCallbacks(t, 1)
	h.waitTaskState(t, "task-12", string(StateDone))

	h.agent.mu.Lock()
	h.agent.next = &agent.MutationSet{}
	h.agent.mu.Unlock()

	require.NoError(t, h.orch.Submit(context.Background(), buildReq("task-12", 2, "n-2"), nil))
	h.waitCallbacks(t, 2)

	p := h.notifier.last(t)
	assert.Equal(t, notify.StatusFailed, p.Status)

	task := h.waitTaskState(t, "task-12", string(StateFailed))
	assert.Equal(t, 1, task.LatestRound, "failed revision must not advance the round")
}

func TestSubmitRacingShutdownRejectsCleanly(t *testing.T) {
	h := newHarness(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; ; n++ {
				task := fmt.Sprintf("task-race-%d-%d", i, n)
				err := h.orch.Submit(context.Background(), buildReq(task, 1, "n-1"), nil)
				switch {
				case err == nil, errors.Is(err, ErrOverloaded):
				case errors.Is(err, ErrShuttingDown):
					// the refusal must have released the task lock, not
					// leaked it for the lease duration
					release, ok, lockErr := h.store.TryAcquireLock(context.Background(), task, "check", time.Minute)
					if assert.NoError(t, lockErr) && assert.True(t, ok, "task lock leaked by refused admission") {
						release()
					}
					return
				default:
					t.Errorf("unexpected admission error: %v", err)
					return
				}
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))
	wg.Wait()
}

func TestShutdownRejectsNewRuns(t *testing.T) {
	h := newHarness(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))

	err := h.orch.Submit(context.Background(), buildReq("task-13", 1, "n-1"), nil)
	assert.ErrorIs(t, err, ErrShuttingDown)
}
