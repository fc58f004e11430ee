package feed

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/1F47E/geo-rebalance/pkg/models"
)

// RequiredColumns are the columns every station CSV must carry besides one
// occupancy column.
var RequiredColumns = []string{models.FieldStationID, models.FieldName}

// CSVSource reads a station snapshot from a CSV file with a header row.
// Cells stay strings; the station store parses numbers.
type CSVSource struct {
	path     string
	required []string
}

// NewCSVSource creates a source for path. required overrides RequiredColumns.
func NewCSVSource(path string, required ...string) *CSVSource {
	if len(required) == 0 {
		required = RequiredColumns
	}
	return &CSVSource{path: path, required: required}
}

// Fetch reads the whole file on each call so edits are picked up between
// polls.
func (s *CSVSource) Fetch(ctx context.Context) (models.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return models.Snapshot{}, err
	}
	f, err := os.Open(s.path)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("open %s: %w", s.path, err)
	}
	defer f.Close()

	snap, err := ReadCSV(f)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("read %s: %w", s.path, err)
	}
	if err := CheckFields(snap, s.required); err != nil {
		return models.Snapshot{}, fmt.Errorf("%s: %w", s.path, err)
	}
	return snap, nil
}

// ReadCSV parses r into a snapshot. Header names are trimmed; blank lines
// are skipped by the csv reader.
func ReadCSV(r io.Reader) (models.Snapshot, error) {
	csvr := csv.NewReader(r)
	csvr.TrimLeadingSpace = true

	head, err := csvr.Read()
	if err == io.EOF {
		return models.Snapshot{}, fmt.Errorf("empty csv")
	}
	if err != nil {
		return models.Snapshot{}, err
	}
	columns := make([]string, len(head))
	for i, h := range head {
		columns[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}

	snap := models.Snapshot{Columns: columns}
	for {
		rec, err := csvr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return models.Snapshot{}, err
		}
		row := make(models.Row, len(columns))
		for i, col := range columns {
			row[col] = rec[i]
		}
		snap.Rows = append(snap.Rows, row)
	}
	return snap, nil
}

// CheckFields reports every required column missing from snap.
func CheckFields(snap models.Snapshot, required []string) error {
	var missing []string
	for _, field := range required {
		if !snap.HasColumn(field) {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing fields: %s", strings.Join(missing, ", "))
	}
	return nil
}
