package universe

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/harvest"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/hash/sha256"
)

func writeInput(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "codes.xlsx")
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetName(f.GetSheetName(0), "Compressors"))
	_, err := f.NewSheet("Tools")
	require.NoError(t, err)
	require.NoError(t, f.SetCellValue("Compressors", "A1", "Código"))
	require.NoError(t, f.SetCellValue("Compressors", "A2", "8202088500"))
	require.NoError(t, f.SetCellValue("Compressors", "A3", 12345))
	require.NoError(t, f.SetCellValue("Compressors", "B4", "no code here"))
	require.NoError(t, f.SetCellValue("Compressors", "A5", " 77 "))
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())
	return path
}

func TestLoadReadsColumnAFromRowTwo(t *testing.T) {
	t.Parallel()

	path := writeInput(t)
	u, err := Load(path, "Compressors", 0, sha256.New())
	require.NoError(t, err)

	require.Equal(t, "Compressors", u.Partition())
	require.Len(t, u.Fingerprint(), 64)
	require.Equal(t, []harvest.Task{
		{Identifier: "8202088500", Row: 2},
		{Identifier: "0000012345", Row: 3},
		{Identifier: "0000000077", Row: 5},
	}, u.Tasks())
	require.Equal(t, []int{4}, u.BlankRows())
	require.Equal(t, 2, u.FirstRow())

	id, ok := u.Identifier(3)
	require.True(t, ok)
	require.Equal(t, "0000012345", id)
	_, ok = u.Identifier(4)
	require.False(t, ok)

	again, err := Load(path, "Compressors", 0, sha256.New())
	require.NoError(t, err)
	require.Equal(t, u.Fingerprint(), again.Fingerprint())
}

func TestLoadUnknownPartition(t *testing.T) {
	t.Parallel()

	_, err := Load(writeInput(t), "Missing", 10, sha256.New())
	require.ErrorIs(t, err, ErrPartitionNotFound)
}

func TestPartitions(t *testing.T) {
	t.Parallel()

	sheets, err := Partitions(writeInput(t))
	require.NoError(t, err)
	require.Equal(t, []string{"Compressors", "Tools"}, sheets)
}

func TestPad(t *testing.T) {
	t.Parallel()

	require.Equal(t, "0000000042", Pad("42", 10))
	require.Equal(t, "12345678901", Pad("12345678901", 10))
	require.Equal(t, "", Pad("  ", 10))
}

func TestNewSortsAndSkipsBlank(t *testing.T) {
	t.Parallel()

	u := New("p", "fp", []harvest.Task{{Identifier: "b", Row: 9}, {Identifier: "", Row: 3}, {Identifier: "a", Row: 4}})
	require.Equal(t, 2, u.Len())
	require.Equal(t, 4, u.FirstRow())
	require.Equal(t, []int{3}, u.BlankRows())
	require.Equal(t, 2, New("p", "fp", nil).FirstRow())
}
