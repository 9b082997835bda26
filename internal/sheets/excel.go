package sheets

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/xuri/excelize/v2"
)

type ObjectGetter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Excel reads uploaded .xlsx workbooks from object storage.
type Excel struct {
	objects ObjectGetter
}

func NewExcel(objects ObjectGetter) *Excel {
	return &Excel{objects: objects}
}

func (e *Excel) Read(ctx context.Context, cfg Config) (Table, error) {
	if cfg.ObjectKey == "" {
		return Table{}, errors.New("no workbook uploaded for this data source")
	}
	data, err := e.objects.Get(ctx, cfg.ObjectKey)
	if err != nil {
		return Table{}, err
	}
	return ReadWorkbook(data, cfg.SheetName)
}

// ReadWorkbook parses a workbook; an empty sheet name selects the first worksheet.
func ReadWorkbook(data []byte, sheetName string) (Table, error) {
	file, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return Table{}, fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = file.Close() }()

	if sheetName == "" {
		sheetName = file.GetSheetName(0)
	}
	if sheetName == "" {
		return Table{}, errors.New("no worksheet found")
	}
	rows, err := file.GetRows(sheetName)
	if err != nil {
		return Table{}, fmt.Errorf("read worksheet %s: %w", sheetName, err)
	}
	return fromGrid(rows), nil
}
