package tui

import (
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/engine"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/harvest"
)

type fakeController struct {
	mu      sync.Mutex
	snap    engine.Snapshot
	stops   int
	targets []int
	stopErr error
}

func (f *fakeController) Snapshot() (engine.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, true
}

func (f *fakeController) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.stopErr
}

func (f *fakeController) SetPoolTarget(n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, n)
	f.snap.TargetWorkers = n
	return nil
}

func (f *fakeController) setPhase(p engine.Phase) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.Phase = p
}

type fakeLogs []string

func (l fakeLogs) Tail(n int) []string {
	if n >= len(l) {
		return l
	}
	return l[len(l)-n:]
}

func key(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func running() *fakeController {
	return &fakeController{snap: engine.Snapshot{
		RunID:         "run-1",
		Partition:     "Sheet1",
		Phase:         engine.PhaseRunning,
		Total:         1000,
		Saved:         100,
		Buffered:      150,
		TargetWorkers: 3,
		AliveWorkers:  3,
	}}
}

func TestKeysResizePool(t *testing.T) {
	t.Parallel()

	ctrl := running()
	m := NewModel(ctrl, nil, Config{MaxWorkers: 4})

	next, _ := m.Update(key('+'))
	m = next.(Model)
	next, _ = m.Update(key('+'))
	m = next.(Model)
	require.Equal(t, []int{4}, ctrl.targets, "second press would exceed the cap")
	require.Contains(t, m.notice, "1..4")

	next, _ = m.Update(key('-'))
	m = next.(Model)
	require.Equal(t, []int{4, 3}, ctrl.targets)
	require.Equal(t, 3, m.snap.TargetWorkers)
}

func TestMinusStopsAtOne(t *testing.T) {
	t.Parallel()

	ctrl := running()
	ctrl.snap.TargetWorkers = 1
	m := NewModel(ctrl, nil, Config{})
	next, _ := m.Update(key('-'))
	require.Empty(t, ctrl.targets)
	require.NotEmpty(t, next.(Model).notice)
}

func TestStopKeyStopsOnce(t *testing.T) {
	t.Parallel()

	ctrl := running()
	m := NewModel(ctrl, nil, Config{})
	next, cmd := m.Update(key('s'))
	m = next.(Model)
	require.Nil(t, cmd)
	next, _ = m.Update(key('s'))
	m = next.(Model)
	require.Equal(t, 1, ctrl.stops)
	require.True(t, m.stopping)
}

func TestStopErrorIsShown(t *testing.T) {
	t.Parallel()

	ctrl := running()
	ctrl.stopErr = errors.New("no active run")
	next, _ := NewModel(ctrl, nil, Config{}).Update(key('s'))
	require.Equal(t, "no active run", next.(Model).notice)
}

func TestQuitWaitsForWindDown(t *testing.T) {
	t.Parallel()

	ctrl := running()
	m := NewModel(ctrl, nil, Config{})

	next, cmd := m.Update(key('q'))
	m = next.(Model)
	require.Nil(t, cmd, "quit must wait for the final checkpoint")
	require.Equal(t, 1, ctrl.stops)

	ctrl.setPhase(engine.PhaseWindingDown)
	next, cmd = m.Update(TickMsg(time.Now()))
	m = next.(Model)
	require.NotNil(t, cmd)
	require.Equal(t, engine.PhaseWindingDown, m.snap.Phase)

	ctrl.setPhase(engine.PhaseDone)
	_, cmd = m.Update(TickMsg(time.Now()))
	require.NotNil(t, cmd)
	require.IsType(t, tea.QuitMsg{}, cmd())
}

func TestQuitWhenAlreadyDone(t *testing.T) {
	t.Parallel()

	ctrl := running()
	ctrl.snap.Phase = engine.PhaseDone
	_, cmd := NewModel(ctrl, nil, Config{}).Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	require.IsType(t, tea.QuitMsg{}, cmd())
	require.Zero(t, ctrl.stops)
}

func TestViewShowsProgressAndLogs(t *testing.T) {
	t.Parallel()

	ctrl := running()
	ctrl.snap.Elapsed = time.Second
	ctrl.snap.StatusCount = map[harvest.Status]int{harvest.StatusAvailable: 1200, harvest.StatusNotFound: 3}
	m := NewModel(ctrl, fakeLogs{"a", "b", "worker 1 started"}, Config{LogLines: 2})

	out := m.View()
	require.Contains(t, out, "Harvesting Sheet1")
	require.Contains(t, out, "250/1,000")
	require.Contains(t, out, "Speed: measuring...")
	require.Contains(t, out, "Available 1,200 | NotFound 3")
	require.Contains(t, out, "worker 1 started")
	require.NotContains(t, out, "\na\n")
	require.Contains(t, out, "250/1000 | workers 3/3 | running")

	ctrl.snap.Elapsed = 3 * time.Minute
	ctrl.snap.RatePerMinute = 50
	ctrl.snap.ETA = 15 * time.Minute
	m.refresh()
	require.Contains(t, m.View(), "Speed: 50.0 items/min | ETA 00:15:00")
}

func TestProgressBarBounds(t *testing.T) {
	t.Parallel()

	require.NotPanics(t, func() {
		_ = progressBar(0, 0)
		_ = progressBar(10, 5)
	})
}
