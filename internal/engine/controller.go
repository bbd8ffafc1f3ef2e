package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/harvest"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/pool"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/progress"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/universe"
)

// Decision is what Inspect recommends for an existing checkpoint.
type Decision string

// Inspect decisions.
const (
	// DecisionNone means there is nothing to resume.
	DecisionNone Decision = "none"
	// DecisionResume means the checkpoint matches the input.
	DecisionResume Decision = "resume"
	// DecisionOverwrite means the checkpoint cannot be resumed.
	DecisionOverwrite Decision = "overwrite"
)

// Choice is the caller's answer to a Decision.
type Choice string

// Valid choices.
const (
	ChoiceResume    Choice = "resume"
	ChoiceRestart   Choice = "restart"
	ChoiceOverwrite Choice = "overwrite"
	ChoiceCancel    Choice = "cancel"
)

// Inspection describes the checkpoint found for a request.
type Inspection struct {
	Decision          Decision  `json:"decision"`
	Reason            string    `json:"reason,omitempty"`
	Fingerprint       string    `json:"fingerprint"`
	StoredFingerprint string    `json:"stored_fingerprint,omitempty"`
	LastProcessedRow  int       `json:"last_processed_row"`
	Timestamp         time.Time `json:"timestamp,omitzero"`
	Total             int       `json:"total"`
	Saved             int       `json:"saved"`
	Holes             []int     `json:"holes,omitempty"`
	Unreadable        bool      `json:"unreadable,omitempty"`

	plan Plan
}

// Describe renders a one-line summary for prompts and errors.
func (i Inspection) Describe() string {
	switch i.Decision {
	case DecisionResume:
		return fmt.Sprintf("checkpoint from %s has %d of %d rows saved (last row %d, %d holes)",
			i.Timestamp.Format(time.RFC3339), i.Saved, i.Total, i.LastProcessedRow, len(i.Holes))
	case DecisionOverwrite:
		return "existing output cannot be resumed: " + i.Reason
	default:
		if i.Unreadable {
			return "existing output is unreadable and will be reset: " + i.Reason
		}
		return "no previous checkpoint"
	}
}

// Request identifies one run.
type Request struct {
	Input     string `json:"input"`
	Partition string `json:"partition"`
	Output    string `json:"output"`
	Workers   int    `json:"workers,omitempty"`
	Headless  bool   `json:"headless"`
	Choice    Choice `json:"choice,omitempty"`
}

func (r Request) validate() error {
	var missing []string
	if strings.TrimSpace(r.Input) == "" {
		missing = append(missing, "input")
	}
	if strings.TrimSpace(r.Partition) == "" {
		missing = append(missing, "partition")
	}
	if strings.TrimSpace(r.Output) == "" {
		missing = append(missing, "output")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	if r.Workers < 0 {
		return fmt.Errorf("%w: workers must be >= 0 (0 uses the default)", ErrInvalidRequest)
	}
	switch r.Choice {
	case "", ChoiceResume, ChoiceRestart, ChoiceOverwrite, ChoiceCancel:
	default:
		return fmt.Errorf("%w: unknown choice %q", ErrInvalidRequest, r.Choice)
	}
	return nil
}

// Source loads the universe for a request.
type Source interface {
	Load(ctx context.Context, input, partition string) (*universe.Universe, error)
	Partitions(ctx context.Context, input string) ([]string, error)
}

// StoreOpener opens the checkpoint store behind output.
type StoreOpener func(ctx context.Context, output, partition string) (harvest.Store, error)

// Exporter renders a finished run's records somewhere durable.
type Exporter interface {
	Export(ctx context.Context, summary harvest.RunSummary, records []harvest.Result) (string, error)
}

// ControllerDeps are the long-lived collaborators shared by every run.
type ControllerDeps struct {
	Source    Source
	OpenStore StoreOpener
	Sessions  harvest.SessionProvider
	Extractor harvest.Extractor
	Clock     harvest.Clock
	IDs       harvest.IDGenerator
	Emitter   progress.Emitter
	Logger    *zap.Logger
	// Optional.
	Exporter Exporter
	Notifier harvest.Notifier
	Cleanup  func()
	OnFinish func(Request, harvest.RunSummary)
}

type run struct {
	req     Request
	driver  *Driver
	cancel  context.CancelFunc
	done    chan struct{}
	summary harvest.RunSummary
	err     error
}

// Controller is the command surface presentation layers drive. It allows a
// single active run at a time.
type Controller struct {
	deps   ControllerDeps
	cfg    DriverConfig
	logger *zap.Logger

	mu        sync.Mutex
	active    *run
	last      *run
	preferred int
}

// NewController builds a Controller; cfg supplies defaults for each run.
func NewController(deps ControllerDeps, cfg DriverConfig) *Controller {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard
	}
	return &Controller{
		deps:   deps,
		cfg:    cfg,
		logger: deps.Logger.Named("controller"),
	}
}

// Partitions lists the partitions available in input.
func (c *Controller) Partitions(ctx context.Context, input string) ([]string, error) {
	return c.deps.Source.Partitions(ctx, input)
}

// Inspect reports what Start would find for req without changing anything.
func (c *Controller) Inspect(ctx context.Context, req Request) (Inspection, error) {
	if err := req.validate(); err != nil {
		return Inspection{}, err
	}
	u, err := c.deps.Source.Load(ctx, req.Input, req.Partition)
	if err != nil {
		return Inspection{}, fmt.Errorf("load input: %w", err)
	}
	store, err := c.deps.OpenStore(ctx, req.Output, req.Partition)
	if err != nil {
		return Inspection{}, fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()
	return inspect(ctx, store, u)
}

func inspect(ctx context.Context, store harvest.Store, u *universe.Universe) (Inspection, error) {
	out := Inspection{Decision: DecisionNone, Fingerprint: u.Fingerprint(), Total: u.Len()}
	exists, err := store.Exists(ctx)
	if err != nil {
		out.Unreadable = true
		out.Reason = err.Error()
		return out, nil
	}
	if !exists {
		return out, nil
	}
	meta, err := store.ReadMetadata(ctx)
	switch {
	case errors.Is(err, harvest.ErrLegacyFormat):
		out.Decision, out.Reason = DecisionOverwrite, "legacy checkpoint layout"
		return out, nil
	case errors.Is(err, harvest.ErrMetadataNotFound):
		out.Decision, out.Reason = DecisionOverwrite, "checkpoint metadata missing"
		return out, nil
	case err != nil:
		out.Unreadable = true
		out.Reason = err.Error()
		return out, nil
	}
	out.StoredFingerprint = meta.Fingerprint
	out.LastProcessedRow = meta.LastProcessedRow
	out.Timestamp = meta.Timestamp
	if meta.Fingerprint != u.Fingerprint() {
		out.Decision, out.Reason = DecisionOverwrite, "input fingerprint mismatch"
		return out, nil
	}
	plan, err := scanResume(ctx, store, u, meta)
	if err != nil {
		out.Unreadable = true
		out.Reason = err.Error()
		return out, nil
	}
	out.Decision = DecisionResume
	out.plan = plan
	out.Holes = plan.Priority
	out.Saved = len(plan.Saved)
	return out, nil
}

// Start begins a run in the background and returns its ID. When an existing
// checkpoint needs a decision and req.Choice is empty, a *DecisionError is
// returned.
func (c *Controller) Start(ctx context.Context, req Request) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return "", ErrRunActive
	}

	u, err := c.deps.Source.Load(ctx, req.Input, req.Partition)
	if err != nil {
		return "", fmt.Errorf("load input: %w", err)
	}
	store, err := c.deps.OpenStore(ctx, req.Output, req.Partition)
	if err != nil {
		return "", fmt.Errorf("open checkpoint store: %w", err)
	}
	plan, err := c.resolve(ctx, store, u, req.Choice)
	if err != nil {
		_ = store.Close()
		return "", err
	}

	id, err := c.deps.IDs.NewID()
	if err != nil {
		_ = store.Close()
		return "", fmt.Errorf("generate run id: %w", err)
	}
	cfg := c.cfg
	cfg.Headless = req.Headless
	switch {
	case req.Workers > 0:
		cfg.Workers = req.Workers
	case c.preferred > 0:
		cfg.Workers = c.preferred
	}
	driver := NewDriver(id, Deps{
		Store:     store,
		Universe:  u,
		Sessions:  c.deps.Sessions,
		Extractor: c.deps.Extractor,
		Clock:     c.deps.Clock,
		Emitter:   c.deps.Emitter,
		Logger:    c.deps.Logger,
	}, plan, cfg)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{req: req, driver: driver, cancel: cancel, done: make(chan struct{})}
	c.active = r
	go c.execute(runCtx, r, store)
	return id, nil
}

// resolve applies choice to the inspected checkpoint and returns the plan.
func (c *Controller) resolve(ctx context.Context, store harvest.Store, u *universe.Universe, choice Choice) (Plan, error) {
	insp, err := inspect(ctx, store, u)
	if err != nil {
		return Plan{}, err
	}
	if choice == ChoiceCancel {
		return Plan{}, ErrCanceled
	}
	reset := func() (Plan, error) {
		if err := store.Reset(ctx); err != nil {
			return Plan{}, fmt.Errorf("reset checkpoint: %w", err)
		}
		return Plan{}, nil
	}
	switch insp.Decision {
	case DecisionResume:
		switch choice {
		case ChoiceResume:
			c.logger.Info("resuming from checkpoint",
				zap.Int("saved", len(insp.plan.Saved)),
				zap.Int("holes", len(insp.plan.Priority)),
				zap.Int("last_row", insp.LastProcessedRow),
			)
			return insp.plan, nil
		case ChoiceRestart, ChoiceOverwrite:
			return reset()
		default:
			return Plan{}, &DecisionError{Inspection: insp}
		}
	case DecisionOverwrite:
		switch choice {
		case ChoiceRestart, ChoiceOverwrite:
			c.logger.Info("overwriting checkpoint", zap.String("reason", insp.Reason))
			return reset()
		case ChoiceResume:
			return Plan{}, fmt.Errorf("%w: %s", ErrResumeNotAllowed, insp.Reason)
		default:
			return Plan{}, &DecisionError{Inspection: insp}
		}
	default:
		if insp.Unreadable {
			c.logger.Warn("checkpoint unreadable, starting fresh", zap.String("reason", insp.Reason))
			return reset()
		}
		return Plan{}, nil
	}
}

func (c *Controller) execute(ctx context.Context, r *run, store harvest.Store) {
	defer r.cancel()
	summary, err := r.driver.Run(ctx)
	summary.Output = r.req.Output
	finalCtx := context.WithoutCancel(ctx)

	if err == nil && summary.Outcome == string(OutcomeComplete) && c.deps.Exporter != nil {
		if uri, exportErr := c.export(finalCtx, store, summary); exportErr != nil {
			c.logger.Error("export failed", zap.Error(exportErr))
		} else {
			summary.ExportURI = uri
		}
	}
	if closeErr := store.Close(); closeErr != nil {
		c.logger.Warn("checkpoint store close failed", zap.Error(closeErr))
	}
	if c.deps.Cleanup != nil {
		c.deps.Cleanup()
	}
	if c.deps.Notifier != nil {
		if _, notifyErr := c.deps.Notifier.Notify(finalCtx, summary); notifyErr != nil {
			c.logger.Warn("run notification failed", zap.Error(notifyErr))
		}
	}
	if c.deps.OnFinish != nil {
		c.deps.OnFinish(r.req, summary)
	}

	c.mu.Lock()
	r.summary, r.err = summary, err
	c.active = nil
	c.last = r
	c.mu.Unlock()
	close(r.done)
}

func (c *Controller) export(ctx context.Context, store harvest.Store, summary harvest.RunSummary) (string, error) {
	records, err := store.ReadAll(ctx)
	if err != nil {
		return "", fmt.Errorf("read checkpoint: %w", err)
	}
	return c.deps.Exporter.Export(ctx, summary, records)
}

// Stop asks the active run to wind down.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ErrNoActiveRun
	}
	c.active.driver.Stop()
	return nil
}

// SetPoolTarget changes the worker target of the active run and remembers it
// for later runs.
func (c *Controller) SetPoolTarget(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: got %d", pool.ErrInvalidTarget, n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preferred = n
	if c.active != nil {
		return c.active.driver.SetTarget(n)
	}
	return nil
}

// Snapshot returns the active run's progress, or the last finished run's.
func (c *Controller) Snapshot() (Snapshot, bool) {
	c.mu.Lock()
	r := c.active
	if r == nil {
		r = c.last
	}
	c.mu.Unlock()
	if r == nil {
		return Snapshot{Phase: PhaseIdle}, false
	}
	snap := r.driver.Snapshot()
	snap.Output = r.req.Output
	return snap, true
}

// Active reports whether a run is live.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Wait blocks until the active run (or, if none, the last run) finishes.
func (c *Controller) Wait(ctx context.Context) (harvest.RunSummary, error) {
	c.mu.Lock()
	r := c.active
	if r == nil {
		r = c.last
	}
	c.mu.Unlock()
	if r == nil {
		return harvest.RunSummary{}, ErrNoActiveRun
	}
	select {
	case <-r.done:
		return r.summary, r.err
	case <-ctx.Done():
		return harvest.RunSummary{}, ctx.Err()
	}
}

// Close stops any active run and waits for it; when ctx expires first the
// run is canceled outright.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	r := c.active
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	r.driver.Stop()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		r.cancel()
		<-r.done
		return fmt.Errorf("controller close: %w", ctx.Err())
	}
}
