package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/1F47E/geo-rebalance/pkg/models"
	"github.com/1F47E/geo-rebalance/pkg/rebalance"
	"github.com/1F47E/geo-rebalance/pkg/snapshot"
)

// Output formats
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

type styles struct {
	title  lipgloss.Style
	label  lipgloss.Style
	good   lipgloss.Style
	bad    lipgloss.Style
	dim    lipgloss.Style
	header lipgloss.Style
	cell   lipgloss.Style
	border lipgloss.Style
}

func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{
			title:  plain,
			label:  plain,
			good:   plain,
			bad:    plain,
			dim:    plain,
			header: plain.Padding(0, 1),
			cell:   plain.Padding(0, 1),
			border: plain,
		}
	}
	return styles{
		title:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF79C6")),
		label:  lipgloss.NewStyle().Foreground(lipgloss.Color("#8BE9FD")),
		good:   lipgloss.NewStyle().Foreground(lipgloss.Color("#50FA7B")),
		bad:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555")),
		dim:    lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4")),
		header: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFB86C")).Padding(0, 1),
		cell:   lipgloss.NewStyle().Padding(0, 1),
		border: lipgloss.NewStyle().Foreground(lipgloss.Color("#BD93F9")),
	}
}

// renderer writes command results in the selected format.
type renderer struct {
	w      io.Writer
	format string
	st     styles
}

func newRenderer(w io.Writer, format string) (*renderer, error) {
	switch format {
	case formatTable, formatJSON, formatYAML:
	default:
		return nil, fmt.Errorf("unknown output format %q (table, json, yaml)", format)
	}
	return &renderer{w: w, format: format, st: newStyles(isTerminal(w))}, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (r *renderer) encode(v any) error {
	switch r.format {
	case formatJSON:
		enc := json.NewEncoder(r.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(r.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("format %q is not an encoding", r.format)
}

// planReport is the json and yaml form of a pass.
type planReport struct {
	OccupancyField string               `json:"occupancy_field" yaml:"occupancy_field"`
	Fingerprint    string               `json:"fingerprint" yaml:"fingerprint"`
	Thresholds     rebalance.Thresholds `json:"thresholds" yaml:"thresholds"`
	Plan           *rebalance.Plan      `json:"plan" yaml:"plan"`
	Snapshot       *models.Snapshot     `json:"snapshot,omitempty" yaml:"snapshot,omitempty"`
}

func (r *renderer) plan(res *snapshot.Result, band rebalance.Thresholds, rows bool) error {
	if r.format != formatTable {
		report := planReport{
			OccupancyField: res.OccupancyField,
			Fingerprint:    fmt.Sprintf("%016x", res.Fingerprint),
			Thresholds:     band,
			Plan:           res.Plan,
		}
		if rows {
			report.Snapshot = &res.Snapshot
		}
		return r.encode(report)
	}

	p := res.Plan
	var b strings.Builder
	fmt.Fprintln(&b, r.st.title.Render("Rebalancing pass "+p.ID))
	fmt.Fprintf(&b, "%s %d..%d on %s\n", r.st.label.Render("Band:"), band.Min, band.Max, res.OccupancyField)
	fmt.Fprintf(&b, "%s %d under, %d over, %d within\n", r.st.label.Render("Stations:"),
		len(p.Understocked), len(p.Overstocked), len(p.Normal))
	fmt.Fprintf(&b, "%s %d bikes in %d transfers\n", r.st.label.Render("Moved:"), p.Moved, len(p.Transfers))
	fmt.Fprintf(&b, "%s %.2f -> %.2f\n", r.st.label.Render("Std dev:"), p.Before.StdDev, p.After.StdDev)

	if len(p.Transfers) == 0 {
		fmt.Fprintln(&b, r.st.dim.Render("No transfers needed"))
	} else {
		cells := make([][]string, len(p.Transfers))
		for i, t := range p.Transfers {
			cells[i] = []string{t.From, t.To, fmt.Sprint(t.Amount)}
		}
		fmt.Fprintln(&b, r.table([]string{"FROM", "TO", "BIKES"}, cells))
	}

	if len(p.Unsatisfied) > 0 {
		fmt.Fprintf(&b, "%s %s\n", r.st.bad.Render("Still understocked:"), strings.Join(p.Unsatisfied, ", "))
	} else {
		fmt.Fprintln(&b, r.st.good.Render("All understocked stations reached the band"))
	}

	if rows {
		fmt.Fprintln(&b, r.snapshotTable(res.Snapshot))
	}
	_, err := io.WriteString(r.w, b.String())
	return err
}

func (r *renderer) neighbors(origin models.Station, list []neighborReport) error {
	if r.format != formatTable {
		return r.encode(list)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%.5f, %.5f)\n", r.st.title.Render("Nearest to "+origin.ID),
		origin.Name, origin.Location.Lat, origin.Location.Lon)
	cells := make([][]string, len(list))
	for i, n := range list {
		cells[i] = n.cells()
	}
	fmt.Fprintln(&b, r.table([]string{"#", "STATION", "NAME", "BIKES", "DISTANCE", "KM"}, cells))
	_, err := io.WriteString(r.w, b.String())
	return err
}

// snapshotTable prints rows in column order.
func (r *renderer) snapshotTable(snap models.Snapshot) string {
	cells := make([][]string, len(snap.Rows))
	for i, row := range snap.Rows {
		line := make([]string, len(snap.Columns))
		for j, col := range snap.Columns {
			if v, ok := row[col]; ok && v != nil {
				line[j] = fmt.Sprint(v)
			}
		}
		cells[i] = line
	}
	return r.table(snap.Columns, cells)
}

func (r *renderer) table(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(r.st.border).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return r.st.header
			}
			return r.st.cell
		})
	return t.String()
}
