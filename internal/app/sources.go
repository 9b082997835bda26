package app

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"go.uber.org/zap"

	"estatecrm/api/internal/sheets"
	"estatecrm/api/internal/store"
	"estatecrm/api/internal/syncmap"
	"estatecrm/api/internal/util"
)

type DataSourceInput struct {
	Name                string            `json:"name"`
	Kind                string            `json:"kind"`
	SpreadsheetID       string            `json:"spreadsheetId"`
	SheetName           string            `json:"sheetName"`
	TargetTable         string            `json:"targetTable"`
	KeyColumn           string            `json:"keyColumn"`
	ColumnMapping       map[string]string `json:"columnMapping"`
	SyncIntervalMinutes int               `json:"syncIntervalMinutes"`
	AutoSync            bool              `json:"autoSync"`
	// Paused is only honoured on update.
	Paused *bool `json:"paused,omitempty"`
}

func (in DataSourceInput) validate() error {
	details := map[string]string{}
	if strings.TrimSpace(in.Name) == "" {
		details["name"] = "required"
	}
	switch in.Kind {
	case sheets.KindGoogle:
		if strings.TrimSpace(in.SpreadsheetID) == "" {
			details["spreadsheetId"] = "required for google_sheets"
		}
	case sheets.KindExcel:
	default:
		details["kind"] = "must be google_sheets or excel"
	}
	if !slices.Contains(syncmap.Tables(), in.TargetTable) {
		details["targetTable"] = "must be one of " + strings.Join(syncmap.Tables(), ", ")
	}
	if in.SyncIntervalMinutes < 0 {
		details["syncIntervalMinutes"] = "must not be negative"
	}
	if len(details) > 0 {
		return invalid("Invalid data source", details)
	}

	// the mapping must be valid before it is stored, not on the first pull
	_, err := mappingFor(store.DataSource{TargetTable: in.TargetTable, ColumnMapping: in.ColumnMapping, KeyColumn: in.KeyColumn})
	if err != nil {
		return domainError(http.StatusBadRequest, "INVALID_MAPPING", err.Error(), nil)
	}
	return nil
}

func (s *Service) ListDataSources(ctx context.Context) ([]store.DataSource, error) {
	return s.store.ListDataSources(ctx)
}

func (s *Service) GetDataSource(ctx context.Context, id string) (store.DataSource, error) {
	return s.loadDataSource(ctx, id)
}

func (s *Service) CreateDataSource(ctx context.Context, in DataSourceInput, createdBy string) (store.DataSource, error) {
	if err := in.validate(); err != nil {
		return store.DataSource{}, err
	}
	ds := store.DataSource{
		ID:                  util.NewID("ds"),
		Name:                strings.TrimSpace(in.Name),
		Kind:                in.Kind,
		SpreadsheetID:       strings.TrimSpace(in.SpreadsheetID),
		SheetName:           strings.TrimSpace(in.SheetName),
		TargetTable:         in.TargetTable,
		KeyColumn:           strings.TrimSpace(in.KeyColumn),
		ColumnMapping:       in.ColumnMapping,
		SyncIntervalMinutes: in.SyncIntervalMinutes,
		AutoSync:            in.AutoSync,
		Status:              store.DataSourceActive,
		CreatedBy:           createdBy,
	}
	if err := s.store.CreateDataSource(ctx, ds); err != nil {
		return store.DataSource{}, err
	}
	return s.store.GetDataSource(ctx, ds.ID)
}

func (s *Service) UpdateDataSource(ctx context.Context, id string, in DataSourceInput) (store.DataSource, error) {
	ds, err := s.loadDataSource(ctx, id)
	if err != nil {
		return store.DataSource{}, err
	}
	if err := in.validate(); err != nil {
		return store.DataSource{}, err
	}
	if ds.TargetTable != in.TargetTable {
		open, err := s.store.CountOpenConflicts(ctx, ds.ID)
		if err != nil {
			return store.DataSource{}, err
		}
		if open > 0 {
			return store.DataSource{}, domainError(http.StatusConflict, "OPEN_CONFLICTS", "Resolve open conflicts before changing the target table", nil)
		}
	}

	ds.Name = strings.TrimSpace(in.Name)
	ds.Kind = in.Kind
	ds.SpreadsheetID = strings.TrimSpace(in.SpreadsheetID)
	ds.SheetName = strings.TrimSpace(in.SheetName)
	ds.TargetTable = in.TargetTable
	ds.KeyColumn = strings.TrimSpace(in.KeyColumn)
	ds.ColumnMapping = in.ColumnMapping
	ds.SyncIntervalMinutes = in.SyncIntervalMinutes
	ds.AutoSync = in.AutoSync
	if err := s.store.UpdateDataSource(ctx, ds); err != nil {
		return store.DataSource{}, err
	}

	if in.Paused != nil {
		status := store.DataSourceActive
		if *in.Paused {
			status = store.DataSourcePaused
		}
		if err := s.store.SetDataSourceStatus(ctx, ds.ID, status, "", false); err != nil {
			return store.DataSource{}, err
		}
	}
	return s.store.GetDataSource(ctx, ds.ID)
}

func (s *Service) DeleteDataSource(ctx context.Context, id string) error {
	ds, err := s.loadDataSource(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteDataSource(ctx, ds.ID); err != nil {
		return err
	}
	if s.conflicts != nil {
		if err := s.conflicts.ClearPending(ctx, ds.ID); err != nil {
			s.logger.Warn("clear pending conflicts", zap.String("data_source_id", ds.ID), zap.Error(err))
		}
	}
	return nil
}

// UploadWorkbook stores the .xlsx file backing an Excel data source.
func (s *Service) UploadWorkbook(ctx context.Context, id, filename string, data []byte) (sheets.Probe, error) {
	ds, err := s.loadDataSource(ctx, id)
	if err != nil {
		return sheets.Probe{}, err
	}
	if ds.Kind != sheets.KindExcel {
		return sheets.Probe{}, invalid("Only excel data sources accept uploads", nil)
	}
	if s.objects == nil {
		return sheets.Probe{}, unavailable("STORAGE_UNAVAILABLE", "Object storage not configured")
	}
	if len(data) == 0 {
		return sheets.Probe{}, invalid("Workbook is empty", nil)
	}

	table, err := sheets.ReadWorkbook(data, ds.SheetName)
	if err != nil {
		return sheets.Probe{}, domainError(http.StatusBadRequest, "INVALID_WORKBOOK", err.Error(), nil)
	}
	key := sheets.WorkbookKey(ds.ID, filename)
	if err := s.objects.Put(ctx, key, data); err != nil {
		return sheets.Probe{}, err
	}
	ds.ObjectKey = key
	if err := s.store.UpdateDataSource(ctx, ds); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return sheets.Probe{}, notFound("Data source")
		}
		return sheets.Probe{}, err
	}
	return sheets.Probe{Headers: table.Headers, RowCount: len(table.Rows)}, nil
}

func (s *Service) ListSyncLogs(ctx context.Context, id string, limit int) ([]store.SyncLog, error) {
	ds, err := s.loadDataSource(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.store.ListSyncLogs(ctx, ds.ID, limit)
}
