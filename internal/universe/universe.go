// Package universe loads the set of row/identifier pairs a run works through.
package universe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/harvest"
)

// FirstDataRow is the first row below the header in the input sheet.
const FirstDataRow = 2

// DefaultWidth is the zero-padded identifier width.
const DefaultWidth = 10

// ErrPartitionNotFound is returned when the requested sheet is absent.
var ErrPartitionNotFound = errors.New("partition not found in input")

// Universe is an immutable, row-ordered task set with its source fingerprint.
type Universe struct {
	partition   string
	fingerprint string
	tasks       []harvest.Task
	byRow       map[int]string
	blank       []int
}

// New builds a Universe from tasks. Tasks with a blank identifier are
// recorded as blank rows and never scheduled.
func New(partition, fingerprint string, tasks []harvest.Task) *Universe {
	u := &Universe{
		partition:   partition,
		fingerprint: fingerprint,
		byRow:       make(map[int]string, len(tasks)),
	}
	for _, t := range tasks {
		if strings.TrimSpace(t.Identifier) == "" {
			u.blank = append(u.blank, t.Row)
			continue
		}
		u.byRow[t.Row] = t.Identifier
		u.tasks = append(u.tasks, t)
	}
	sort.Slice(u.tasks, func(i, j int) bool { return u.tasks[i].Row < u.tasks[j].Row })
	sort.Ints(u.blank)
	return u
}

// Partition names the sheet the universe came from.
func (u *Universe) Partition() string { return u.partition }

// Fingerprint identifies the source content.
func (u *Universe) Fingerprint() string { return u.fingerprint }

// Len returns the number of schedulable tasks.
func (u *Universe) Len() int { return len(u.tasks) }

// Tasks returns the schedulable tasks in ascending row order.
func (u *Universe) Tasks() []harvest.Task {
	return append([]harvest.Task(nil), u.tasks...)
}

// Identifier looks up the identifier for row.
func (u *Universe) Identifier(row int) (string, bool) {
	id, ok := u.byRow[row]
	return id, ok
}

// BlankRows lists rows whose identifier cell was empty.
func (u *Universe) BlankRows() []int { return append([]int(nil), u.blank...) }

// FirstRow is the lowest schedulable row, or FirstDataRow when empty.
func (u *Universe) FirstRow() int {
	if len(u.tasks) == 0 {
		return FirstDataRow
	}
	return u.tasks[0].Row
}

// Pad left-pads id with zeros to width.
func Pad(id string, width int) string {
	id = strings.TrimSpace(id)
	if id == "" || len(id) >= width {
		return id
	}
	return strings.Repeat("0", width-len(id)) + id
}

// Partitions lists the sheets of the workbook at path.
func Partitions(path string) ([]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()
	return f.GetSheetList(), nil
}

// Hasher fingerprints the input file.
type Hasher interface {
	HashFile(path string) (string, error)
}

// Load reads the identifiers in column A of partition, starting at
// FirstDataRow, and fingerprints the file.
func Load(path, partition string, width int, hasher Hasher) (*Universe, error) {
	if width <= 0 {
		width = DefaultWidth
	}
	fingerprint, err := hasher.HashFile(path)
	if err != nil {
		return nil, fmt.Errorf("fingerprint input: %w", err)
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	idx, err := f.GetSheetIndex(partition)
	if err != nil || idx < 0 {
		return nil, fmt.Errorf("%w: %q", ErrPartitionNotFound, partition)
	}
	rows, err := f.GetRows(partition, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read partition %q: %w", partition, err)
	}
	var tasks []harvest.Task
	for i := FirstDataRow - 1; i < len(rows); i++ {
		id := ""
		if len(rows[i]) > 0 {
			id = Pad(rows[i][0], width)
		}
		tasks = append(tasks, harvest.Task{Identifier: id, Row: i + 1})
	}
	return New(partition, fingerprint, tasks), nil
}

// FileSource loads universes from workbooks on disk.
type FileSource struct {
	Width  int
	Hasher Hasher
}

// Load implements engine.Source.
func (s FileSource) Load(_ context.Context, input, partition string) (*Universe, error) {
	return Load(input, partition, s.Width, s.Hasher)
}

// Partitions implements engine.Source.
func (s FileSource) Partitions(_ context.Context, input string) ([]string, error) {
	return Partitions(input)
}
