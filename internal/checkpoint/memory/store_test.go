package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/harvest"
)

var _ harvest.Store = (*Store)(nil)

func TestStoreWriteAndRead(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	exists, err := s.Exists(ctx)
	require.NoError(t, err)
	require.False(t, exists)

	_, err = s.ReadMetadata(ctx)
	require.ErrorIs(t, err, harvest.ErrMetadataNotFound)

	meta := harvest.NewMetadata("fp", harvest.RowSet([]int{3, 5}), time.Unix(10, 0))
	require.NoError(t, s.WriteBatch(ctx, []harvest.Result{
		{Row: 5, Status: harvest.StatusAvailable, Fields: map[string]string{"name": "five"}},
		{Row: 3, Status: harvest.StatusNotFound},
	}, meta))

	last, err := s.LastRow(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, last)

	statuses, err := s.ReadStatusColumn(ctx, harvest.RowRange{From: 2, To: 5})
	require.NoError(t, err)
	require.Equal(t, map[int]string{2: "", 3: "NotFound", 4: "", 5: "Available"}, statuses)

	got, err := s.ReadMetadata(ctx)
	require.NoError(t, err)
	require.Equal(t, []int{3, 5}, got.SavedRows)
	require.Equal(t, 5, got.LastProcessedRow)

	all, err := s.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, 3, all[0].Row)
	require.Equal(t, "five", all[1].Fields["name"])
}

func TestStoreInjectedFailureLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	s.FailWrites(1)
	err := s.WriteBatch(ctx, []harvest.Result{{Row: 2, Status: harvest.StatusAvailable}}, harvest.Metadata{Fingerprint: "fp"})
	require.ErrorIs(t, err, ErrInjected)
	last, _ := s.LastRow(ctx)
	require.Zero(t, last)

	require.NoError(t, s.WriteBatch(ctx, []harvest.Result{{Row: 2, Status: harvest.StatusAvailable}}, harvest.Metadata{Fingerprint: "fp"}))
	require.Equal(t, 1, s.Writes())
}

func TestStoreRowlessRecordsAppend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	s.Put(harvest.Result{Row: 4, Status: harvest.StatusAvailable})
	require.NoError(t, s.WriteBatch(ctx, []harvest.Result{{Status: harvest.StatusTimeout}}, harvest.Metadata{}))

	all, err := s.ReadAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, all[1].Row)
	require.Equal(t, harvest.StatusTimeout, all[1].Status)
}

func TestStoreResetAndLegacy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	s.MarkLegacy()
	exists, _ := s.Exists(ctx)
	require.True(t, exists)
	_, err := s.ReadMetadata(ctx)
	require.ErrorIs(t, err, harvest.ErrLegacyFormat)

	require.NoError(t, s.Reset(ctx))
	exists, _ = s.Exists(ctx)
	require.False(t, exists)
}
