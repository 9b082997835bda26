package sheets

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"
)

// Google reads worksheets through the Sheets v4 values API.
type Google struct {
	service *gsheets.Service
}

func NewGoogle(ctx context.Context, opts ...option.ClientOption) (*Google, error) {
	service, err := gsheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return &Google{service: service}, nil
}

// NewGoogleFromCredentials uses a service account key. Empty credentials disable the source.
func NewGoogleFromCredentials(ctx context.Context, credentialsJSON string) (*Google, error) {
	if credentialsJSON == "" {
		return nil, nil
	}
	return NewGoogle(ctx,
		option.WithCredentialsJSON([]byte(credentialsJSON)),
		option.WithScopes(gsheets.SpreadsheetsReadonlyScope),
	)
}

func (g *Google) Read(ctx context.Context, cfg Config) (Table, error) {
	if cfg.SpreadsheetID == "" {
		return Table{}, errors.New("spreadsheet id is required")
	}
	sheet := cfg.SheetName
	if sheet == "" {
		sheet = "Sheet1"
	}
	resp, err := g.service.Spreadsheets.Values.Get(cfg.SpreadsheetID, fmt.Sprintf("%s!A1:ZZ", sheet)).
		ValueRenderOption("FORMATTED_VALUE").
		Context(ctx).
		Do()
	if err != nil {
		return Table{}, fmt.Errorf("read sheet %s: %w", sheet, err)
	}

	grid := make([][]string, len(resp.Values))
	for i, values := range resp.Values {
		cells := make([]string, len(values))
		for j, value := range values {
			if value != nil {
				cells[j] = fmt.Sprint(value)
			}
		}
		grid[i] = cells
	}
	return fromGrid(grid), nil
}
