package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/checkpoint/memory"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/harvest"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/pool"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/universe"
)

func TestController_InspectDecisions(t *testing.T) {
	t.Parallel()

	u := rowsUniverse(2, 11)
	ctx := context.Background()

	t.Run("empty store", func(t *testing.T) {
		t.Parallel()
		c, _ := newTestController(u, memory.NewStore())
		insp, err := c.Inspect(ctx, testRequest(""))
		require.NoError(t, err)
		require.Equal(t, DecisionNone, insp.Decision)
		require.False(t, insp.Unreadable)
	})

	t.Run("matching fingerprint", func(t *testing.T) {
		t.Parallel()
		store := memory.NewStore()
		seedStore(t, store, u, 2, 3, 4, 6)
		store.Put(harvest.Result{Row: 5})
		c, _ := newTestController(u, store)
		insp, err := c.Inspect(ctx, testRequest(""))
		require.NoError(t, err)
		require.Equal(t, DecisionResume, insp.Decision)
		require.Equal(t, 4, insp.Saved)
		require.Equal(t, []int{5}, insp.Holes)
		require.Equal(t, 6, insp.LastProcessedRow)
		require.Contains(t, insp.Describe(), "4 of 10")
	})

	t.Run("fingerprint mismatch", func(t *testing.T) {
		t.Parallel()
		store := memory.NewStore()
		seedStore(t, store, universe.New("Compressors", "other", nil), 2)
		c, _ := newTestController(u, store)
		insp, err := c.Inspect(ctx, testRequest(""))
		require.NoError(t, err)
		require.Equal(t, DecisionOverwrite, insp.Decision)
		require.Equal(t, "input fingerprint mismatch", insp.Reason)
	})

	t.Run("legacy layout", func(t *testing.T) {
		t.Parallel()
		store := memory.NewStore()
		store.MarkLegacy()
		c, _ := newTestController(u, store)
		insp, err := c.Inspect(ctx, testRequest(""))
		require.NoError(t, err)
		require.Equal(t, DecisionOverwrite, insp.Decision)
	})

	t.Run("metadata missing", func(t *testing.T) {
		t.Parallel()
		store := memory.NewStore()
		store.Put(available(2))
		c, _ := newTestController(u, store)
		insp, err := c.Inspect(ctx, testRequest(""))
		require.NoError(t, err)
		require.Equal(t, DecisionOverwrite, insp.Decision)
		require.Equal(t, "checkpoint metadata missing", insp.Reason)
	})
}

func TestController_StartRequiresDecision(t *testing.T) {
	t.Parallel()

	u := rowsUniverse(2, 11)
	store := memory.NewStore()
	seedStore(t, store, u, 2, 3, 4)
	c, _ := newTestController(u, store)

	_, err := c.Start(context.Background(), testRequest(""))
	require.ErrorIs(t, err, ErrDecisionRequired)
	var decision *DecisionError
	require.True(t, errors.As(err, &decision))
	require.Equal(t, DecisionResume, decision.Inspection.Decision)

	_, err = c.Start(context.Background(), testRequest(ChoiceCancel))
	require.ErrorIs(t, err, ErrCanceled)
	require.False(t, c.Active())
}

func TestController_ResumeRunsOnlyMissingRows(t *testing.T) {
	t.Parallel()

	u := rowsUniverse(2, 11)
	store := memory.NewStore()
	seedStore(t, store, u, 2, 3, 4)
	c, deps := newTestController(u, store)

	id, err := c.Start(context.Background(), testRequest(ChoiceResume))
	require.NoError(t, err)
	require.Equal(t, "run-1", id)

	summary := waitRun(t, c)
	require.Equal(t, string(OutcomeComplete), summary.Outcome)
	require.Equal(t, 7, summary.Processed)
	require.Equal(t, "memory://out", summary.Output)
	require.Equal(t, "export://run-1", summary.ExportURI)
	for row := 2; row <= 4; row++ {
		require.Zero(t, deps.extractor.calls(row))
	}
	assertAllSaved(t, store, 2, 11)
	require.Equal(t, []harvest.RunSummary{summary}, deps.notifier.sent())
	require.Equal(t, 10, deps.exporter.records)
	require.Equal(t, 1, deps.cleanups())
}

func TestController_OverwriteResetsStore(t *testing.T) {
	t.Parallel()

	u := rowsUniverse(2, 5)
	store := memory.NewStore()
	seedStore(t, store, universe.New("Compressors", "stale", nil), 40)
	c, _ := newTestController(u, store)

	_, err := c.Start(context.Background(), testRequest(ChoiceResume))
	require.ErrorIs(t, err, ErrResumeNotAllowed)

	_, err = c.Start(context.Background(), testRequest(ChoiceOverwrite))
	require.NoError(t, err)
	summary := waitRun(t, c)
	require.Equal(t, 4, summary.Processed)

	last, err := store.LastRow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, last)
}

func TestController_SingleActiveRunAndLiveControls(t *testing.T) {
	t.Parallel()

	u := rowsUniverse(2, 2000)
	store := memory.NewStore()
	c, deps := newTestController(u, store)
	deps.extractor.delay = 2 * time.Millisecond

	_, err := c.Start(context.Background(), testRequest(""))
	require.NoError(t, err)
	require.True(t, c.Active())

	_, err = c.Start(context.Background(), testRequest(""))
	require.ErrorIs(t, err, ErrRunActive)

	require.ErrorIs(t, c.SetPoolTarget(0), pool.ErrInvalidTarget)
	require.NoError(t, c.SetPoolTarget(3))
	require.Eventually(t, func() bool {
		snap, ok := c.Snapshot()
		return ok && snap.TargetWorkers == 3 && snap.Processed > 0
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, c.Stop())
	summary := waitRun(t, c)
	require.Equal(t, string(OutcomeStopped), summary.Outcome)
	require.False(t, c.Active())
	require.ErrorIs(t, c.Stop(), ErrNoActiveRun)

	snap, ok := c.Snapshot()
	require.True(t, ok)
	require.Equal(t, PhaseDone, snap.Phase)
	require.Equal(t, "memory://out", snap.Output)
}

func TestController_UnreadableStoreIsReset(t *testing.T) {
	t.Parallel()

	u := rowsUniverse(2, 4)
	store := &brokenStore{Store: memory.NewStore()}
	c, _ := newTestController(u, store)

	insp, err := c.Inspect(context.Background(), testRequest(""))
	require.NoError(t, err)
	require.True(t, insp.Unreadable)

	_, err = c.Start(context.Background(), testRequest(""))
	require.NoError(t, err)
	waitRun(t, c)
	require.True(t, store.wasReset())
}

func TestController_RejectsInvalidRequest(t *testing.T) {
	t.Parallel()

	c, _ := newTestController(rowsUniverse(2, 3), memory.NewStore())
	_, err := c.Start(context.Background(), Request{Input: "in.xlsx"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	req := testRequest("maybe")
	_, err = c.Inspect(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidRequest)

	req = testRequest("")
	req.Workers = -1
	_, err = c.Start(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.ErrorContains(t, err, "workers must be >= 0 (0 uses the default)")

	req.Workers = 0
	require.NoError(t, req.validate())
}

// --- helpers and fakes ---

type controllerFakes struct {
	extractor *fakeExtractor
	notifier  *fakeNotifier
	exporter  *fakeExporter

	mu      sync.Mutex
	cleaned int
}

func (f *controllerFakes) cleanups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleaned
}

func newTestController(u *universe.Universe, store harvest.Store) (*Controller, *controllerFakes) {
	fakes := &controllerFakes{
		extractor: &fakeExtractor{},
		notifier:  &fakeNotifier{},
		exporter:  &fakeExporter{},
	}
	deps := ControllerDeps{
		Source: staticSource{u: u},
		OpenStore: func(context.Context, string, string) (harvest.Store, error) {
			return store, nil
		},
		Sessions:  fakeSessions{},
		Extractor: fakes.extractor,
		IDs:       &seqIDs{},
		Logger:    zap.NewNop(),
		Exporter:  fakes.exporter,
		Notifier:  fakes.notifier,
		Cleanup: func() {
			fakes.mu.Lock()
			fakes.cleaned++
			fakes.mu.Unlock()
		},
	}
	return NewController(deps, testConfig(2)), fakes
}

func testRequest(choice Choice) Request {
	return Request{
		Input:     "codes.xlsx",
		Partition: "Compressors",
		Output:    "memory://out",
		Choice:    choice,
	}
}

func waitRun(t *testing.T, c *Controller) harvest.RunSummary {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	summary, err := c.Wait(ctx)
	require.NoError(t, err)
	return summary
}

type staticSource struct {
	u *universe.Universe
}

func (s staticSource) Load(context.Context, string, string) (*universe.Universe, error) {
	return s.u, nil
}

func (s staticSource) Partitions(context.Context, string) ([]string, error) {
	return []string{s.u.Partition()}, nil
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return "run-" + string(rune('0'+s.n)), nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	items []harvest.RunSummary
}

func (n *fakeNotifier) Notify(_ context.Context, summary harvest.RunSummary) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, summary)
	return "msg", nil
}

func (n *fakeNotifier) sent() []harvest.RunSummary {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]harvest.RunSummary(nil), n.items...)
}

type fakeExporter struct {
	records int
}

func (e *fakeExporter) Export(_ context.Context, summary harvest.RunSummary, records []harvest.Result) (string, error) {
	e.records = len(records)
	return "export://" + summary.RunID, nil
}

type brokenStore struct {
	*memory.Store
	mu    sync.Mutex
	reset bool
}

func (s *brokenStore) Exists(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.reset {
		return false, errors.New("zip: not a valid zip file")
	}
	return s.Store.Exists(ctx)
}

func (s *brokenStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.reset = true
	s.mu.Unlock()
	return s.Store.Reset(ctx)
}

func (s *brokenStore) wasReset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reset
}
