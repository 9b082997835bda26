// Package sheets reads tabular rows out of the spreadsheets that feed CRM tables.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"estatecrm/api/internal/syncmap"
)

const (
	KindGoogle = "google_sheets"
	KindExcel  = "excel"
)

var ErrNoSource = errors.New("no sheet source for kind")

// Config locates one worksheet.
type Config struct {
	Kind          string
	SpreadsheetID string
	SheetName     string
	ObjectKey     string
}

// Table is a worksheet split into its header row and data rows.
type Table struct {
	Headers []string
	Rows    []syncmap.Row
}

type Source interface {
	Read(ctx context.Context, cfg Config) (Table, error)
}

// Probe is what a connection test reports back to the operator.
type Probe struct {
	Headers  []string `json:"headers"`
	RowCount int      `json:"row_count"`
}

type Registry struct {
	sources map[string]Source
}

func NewRegistry() *Registry {
	return &Registry{sources: map[string]Source{}}
}

func (r *Registry) Register(kind string, source Source) {
	r.sources[kind] = source
}

func (r *Registry) Read(ctx context.Context, cfg Config) (Table, error) {
	source, ok := r.sources[cfg.Kind]
	if !ok {
		return Table{}, fmt.Errorf("%w %q", ErrNoSource, cfg.Kind)
	}
	return source.Read(ctx, cfg)
}

func (r *Registry) Rows(ctx context.Context, cfg Config) ([]syncmap.Row, error) {
	table, err := r.Read(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return table.Rows, nil
}

func (r *Registry) TestConnection(ctx context.Context, cfg Config) (Probe, error) {
	table, err := r.Read(ctx, cfg)
	if err != nil {
		return Probe{}, err
	}
	return Probe{Headers: table.Headers, RowCount: len(table.Rows)}, nil
}

// fromGrid treats the first row as headers. Short rows are padded, blank rows
// dropped, and every row carries its 1-based sheet row number.
func fromGrid(grid [][]string) Table {
	if len(grid) == 0 {
		return Table{Headers: []string{}, Rows: []syncmap.Row{}}
	}
	headers := make([]string, len(grid[0]))
	for i, header := range grid[0] {
		headers[i] = strings.TrimSpace(header)
	}

	rows := make([]syncmap.Row, 0, len(grid)-1)
	for i, cells := range grid[1:] {
		row := make(syncmap.Row, len(headers)+1)
		blank := true
		for col, header := range headers {
			if header == "" {
				continue
			}
			value := ""
			if col < len(cells) {
				value = strings.TrimSpace(cells[col])
			}
			if value != "" {
				blank = false
			}
			row[header] = value
		}
		if blank {
			continue
		}
		row[syncmap.RowNumberKey] = strconv.Itoa(i + 2)
		rows = append(rows, row)
	}
	return Table{Headers: headers, Rows: rows}
}
