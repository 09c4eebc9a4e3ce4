// Package pipeline is the build orchestrator: the per-(task, round) state
// machine that drives the code-generation agent, the repository host, the
// deployment verifier, and the evaluation callback, under admission control
// and per-step deadlines.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pagesmith/internal/agent"
	"pagesmith/internal/backoff"
	"pagesmith/internal/githost"
	"pagesmith/internal/logging"
	"pagesmith/internal/metrics"
	"pagesmith/internal/notify"
	"pagesmith/internal/request"
	"pagesmith/internal/taskstore"
	"pagesmith/internal/verify"
)

// State is one step of the pipeline state machine.
type State string

const (
	StateReceived          State = "RECEIVED"
	StateValidated         State = "VALIDATED"
	StateContextReady      State = "CONTEXT_READY"
	StateGenerating        State = "GENERATING"
	StatePublishing        State = "PUBLISHING"
	StateDeployPending     State = "DEPLOY_PENDING"
	StateDeployVerified    State = "DEPLOY_VERIFIED"
	StateDeployTimedOut    State = "DEPLOY_TIMED_OUT"
	StateCallbackSent      State = "CALLBACK_SENT"
	StateCallbackExhausted State = "CALLBACK_EXHAUSTED"
	StateDone              State = "DONE"
	StateFailed            State = "FAILED"
)

// Admission errors surfaced synchronously to the caller.
var (
	// ErrBusy means another round for the task is already in flight.
	ErrBusy = errors.New("round already in progress for this task")
	// ErrOverloaded means the run queue is full.
	ErrOverloaded = errors.New("build queue is full")
	// ErrShuttingDown means the orchestrator no longer admits runs.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// Host is the repository-hosting surface the pipeline consumes.
// *githost.Client satisfies it.
type Host interface {
	EnsureRepo(ctx context.Context, name, description string) (*githost.Repo, error)
	GetTree(ctx context.Context, repo, ref string) ([]githost.TreeEntry, error)
	GetFileText(ctx context.Context, repo, path, ref string) (string, error)
	CommitFiles(ctx context.Context, repo, branch, message string, changes []githost.Change) (string, error)
	EnablePages(ctx context.Context, repo string) error
	PagesURL(repo string) string
}

// DeployVerifier awaits deployment readiness. *verify.Verifier satisfies it.
type DeployVerifier interface {
	Await(ctx context.Context, ref verify.Ref) error
}

// CallbackSender delivers the evaluation payload. *notify.Notifier
// satisfies it.
type CallbackSender interface {
	Deliver(ctx context.Context, evaluationURL string, p *notify.Payload) error
}

// Config bounds the orchestrator's concurrency and deadlines.
type Config struct {
	Workers    int
	QueueDepth int

	LockLease      time.Duration
	RunDeadline    time.Duration
	AgentTimeout   time.Duration
	PublishTimeout time.Duration
	VerifyWindow   time.Duration
	CallbackBudget time.Duration

	// MaxContextFileBytes truncates repository files in the agent context.
	MaxContextFileBytes int

	// CollaboratorRetry bounds local retries of transient agent/host errors.
	CollaboratorRetry backoff.Policy
}

// DefaultConfig returns production-shaped bounds.
func DefaultConfig() Config {
	return Config{
		Workers:             4,
		QueueDepth:          16,
		LockLease:           30 * time.Minute,
		RunDeadline:         25 * time.Minute,
		AgentTimeout:        5 * time.Minute,
		PublishTimeout:      2 * time.Minute,
		VerifyWindow:        10 * time.Minute,
		CallbackBudget:      5 * time.Minute,
		MaxContextFileBytes: 64 << 10,
		CollaboratorRetry: backoff.Policy{
			Initial:     2 * time.Second,
			Max:         30 * time.Second,
			Factor:      2,
			Jitter:      0.2,
			MaxAttempts: 4,
		},
	}
}

// Run is one in-flight execution of the state machine. It is owned
// exclusively by the orchestrator and never shared across tasks.
type Run struct {
	ID          string
	Req         *request.BuildRequest
	Attachments []request.DecodedAttachment
	State       State

	// populated as the run advances
	bundle    *agent.BuildContext
	mutations *agent.MutationSet
	repoName  string
	repoURL   string
	pagesURL  string
	commitSHA string
	published bool
	verified  bool
	runErr    error

	release func()
}

// Orchestrator ties the collaborators together and owns the worker pool.
type Orchestrator struct {
	cfg      Config
	store    *taskstore.Store
	agent    agent.Agent
	host     Host
	verifier DeployVerifier
	notifier CallbackSender

	jobs     chan *Run
	wg       sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	draining bool
}

// New wires an Orchestrator. Call Start before submitting.
func New(cfg Config, store *taskstore.Store, ag agent.Agent, host Host, verifier DeployVerifier, notifier CallbackSender) *Orchestrator {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueDepth < 0 {
		cfg.QueueDepth = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		agent:    ag,
		host:     host,
		verifier: verifier,
		notifier: notifier,
		jobs:     make(chan *Run, cfg.QueueDepth),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Start launches the bounded worker pool.
func (o *Orchestrator) Start() {
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for run := range o.jobs {
				o.execute(run)
			}
		}()
	}
}

// Shutdown stops admitting runs, cancels in-flight ones, and waits for the
// pool to drain or ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.draining {
		o.draining = true
		close(o.jobs)
	}
	o.mu.Unlock()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit admits a validated, decoded request for asynchronous execution.
// It acquires the per-task lock fail-fast and enqueues the run; the caller
// answers the HTTP request immediately after.
func (o *Orchestrator) Submit(ctx context.Context, req *request.BuildRequest, attachments []request.DecodedAttachment) error {
	m := metrics.Get()

	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return ErrShuttingDown
	}
	o.mu.Unlock()

	holder := uuid.NewString()
	release, ok, err := o.store.TryAcquireLock(ctx, req.Task, holder, o.cfg.LockLease)
	if err != nil {
		return err
	}
	if !ok {
		m.AdmissionBusy.Inc()
		return ErrBusy
	}

	run := &Run{
		ID:          uuid.NewString(),
		Req:         req,
		Attachments: attachments,
		State:       StateValidated,
		release:     release,
	}

	// The mutex covers the draining re-check and the send together so
	// Shutdown cannot close the queue between them.
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		release()
		return ErrShuttingDown
	}
	select {
	case o.jobs <- run:
		o.mu.Unlock()
		m.RunsStarted.Inc()
		logging.ForRun(run.ID, req.Task, req.Round).Info("run admitted")
		return nil
	default:
		o.mu.Unlock()
		release()
		m.AdmissionDropped.Inc()
		return ErrOverloaded
	}
}

func (o *Orchestrator) setState(run *Run, s State, log *zap.Logger) {
	run.State = s
	log.Info("state transition", zap.String("state", string(s)))
}
