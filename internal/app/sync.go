package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"estatecrm/api/internal/conflicts"
	"estatecrm/api/internal/sheets"
	"estatecrm/api/internal/store"
	"estatecrm/api/internal/syncmap"
	"estatecrm/api/internal/util"
)

type PullOptions struct {
	// Force overwrites differing CRM fields with the sheet values instead of raising conflicts.
	Force bool
}

type SyncResult struct {
	DataSourceID     string            `json:"data_source_id"`
	SyncLogID        int64             `json:"sync_log_id"`
	RecordsProcessed int               `json:"records_processed"`
	RecordsInserted  int               `json:"records_inserted"`
	RecordsUpdated   int               `json:"records_updated"`
	RecordsUnchanged int               `json:"records_unchanged"`
	RecordsSkipped   int               `json:"records_skipped"`
	Conflicts        []conflicts.Entry `json:"conflicts"`
}

// PullOutcome is one source's result within PullAll.
type PullOutcome struct {
	DataSourceID string      `json:"data_source_id"`
	Result       *SyncResult `json:"result,omitempty"`
	Error        string      `json:"error,omitempty"`
}

func (s *Service) syncOptions(force bool) syncmap.Options {
	opts := syncmap.Options{PhoneRegion: s.cfg.DefaultPhoneRegion}
	if force {
		opts.Prefer = syncmap.PreferSheet
	}
	return opts
}

// mappingFor combines the built-in table mapping with the overrides stored on the source.
func mappingFor(ds store.DataSource) (syncmap.Mapping, error) {
	base, err := syncmap.Builtin(ds.TargetTable)
	if err != nil {
		return syncmap.Mapping{}, err
	}
	return syncmap.Override(base, ds.ColumnMapping, ds.KeyColumn)
}

func sheetConfig(ds store.DataSource) sheets.Config {
	return sheets.Config{
		Kind:          ds.Kind,
		SpreadsheetID: ds.SpreadsheetID,
		SheetName:     ds.SheetName,
		ObjectKey:     ds.ObjectKey,
	}
}

func (s *Service) loadDataSource(ctx context.Context, id string) (store.DataSource, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return store.DataSource{}, invalid("dataSourceId is required", nil)
	}
	ds, err := s.store.GetDataSource(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.DataSource{}, notFound("Data source")
	}
	if err != nil {
		return store.DataSource{}, fmt.Errorf("get data source: %w", err)
	}
	return ds, nil
}

func (s *Service) acquirePullLock(ctx context.Context, dataSourceID string) (func(), error) {
	if s.conflicts != nil {
		release, err := s.conflicts.AcquirePullLock(ctx, dataSourceID, s.cfg.SyncLockTTL)
		if err == nil || errors.Is(err, conflicts.ErrLocked) {
			return release, err
		}
		s.logger.Warn("redis pull lock unavailable, using local lock", zap.String("data_source_id", dataSourceID), zap.Error(err))
	}

	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if _, held := s.localLocks[dataSourceID]; held {
		return nil, conflicts.ErrLocked
	}
	s.localLocks[dataSourceID] = struct{}{}
	return func() {
		s.lockMu.Lock()
		delete(s.localLocks, dataSourceID)
		s.lockMu.Unlock()
	}, nil
}

// PullSync reads the source sheet, reconciles it against the target table and applies the plan.
// Differing rows become conflicts unless opts.Force is set.
func (s *Service) PullSync(ctx context.Context, dataSourceID string, opts PullOptions) (SyncResult, error) {
	ds, err := s.loadDataSource(ctx, dataSourceID)
	if err != nil {
		return SyncResult{}, err
	}
	if s.sheets == nil {
		return SyncResult{}, unavailable("SHEETS_UNAVAILABLE", "No sheet source configured")
	}
	mapping, err := mappingFor(ds)
	if err != nil {
		return SyncResult{}, domainError(http.StatusBadRequest, "INVALID_MAPPING", err.Error(), nil)
	}

	release, err := s.acquirePullLock(ctx, ds.ID)
	if errors.Is(err, conflicts.ErrLocked) {
		return SyncResult{}, domainError(http.StatusConflict, "SYNC_IN_PROGRESS", "A pull for this data source is already running", nil)
	}
	if err != nil {
		return SyncResult{}, fmt.Errorf("acquire pull lock: %w", err)
	}
	defer release()

	if err := s.store.SetDataSourceStatus(ctx, ds.ID, store.DataSourceSyncing, "", false); err != nil {
		return SyncResult{}, err
	}
	logID, err := s.store.InsertSyncLog(ctx, store.SyncLog{
		DataSourceID: ds.ID,
		Direction:    store.SyncDirectionPull,
		Status:       store.SyncStatusRunning,
		RecordTable:  ds.TargetTable,
	})
	if err != nil {
		return SyncResult{}, err
	}

	started := time.Now()
	result, err := s.runPull(ctx, ds, mapping, logID, opts)
	if err != nil {
		// bookkeeping survives a cancelled request
		bg := context.WithoutCancel(ctx)
		if finishErr := s.store.FinishSyncLog(bg, store.SyncLog{ID: logID, Status: store.SyncStatusFailed, ErrorMessage: err.Error()}); finishErr != nil {
			s.logger.Error("finish failed sync log", zap.Int64("sync_log_id", logID), zap.Error(finishErr))
		}
		if statusErr := s.store.SetDataSourceStatus(bg, ds.ID, store.DataSourceError, err.Error(), false); statusErr != nil {
			s.logger.Error("set data source status", zap.String("data_source_id", ds.ID), zap.Error(statusErr))
		}
		s.logger.Warn("pull failed", zap.String("data_source_id", ds.ID), zap.Error(err))
		return SyncResult{}, err
	}

	s.logger.Info("pull finished",
		zap.String("data_source_id", ds.ID),
		zap.String("table", ds.TargetTable),
		zap.Int("processed", result.RecordsProcessed),
		zap.Int("inserted", result.RecordsInserted),
		zap.Int("updated", result.RecordsUpdated),
		zap.Int("conflicts", len(result.Conflicts)),
		zap.Duration("took", time.Since(started)),
	)
	return result, nil
}

func (s *Service) runPull(ctx context.Context, ds store.DataSource, mapping syncmap.Mapping, logID int64, opts PullOptions) (SyncResult, error) {
	table, err := s.sheets.Read(ctx, sheetConfig(ds))
	if err != nil {
		return SyncResult{}, fmt.Errorf("read sheet: %w", err)
	}
	existing, err := s.store.ListSyncedRecords(ctx, ds.TargetTable, ds.ID)
	if err != nil {
		return SyncResult{}, err
	}
	destRows := make([]syncmap.Record, 0, len(existing))
	for _, record := range existing {
		destRows = append(destRows, syncmap.Record(record))
	}

	plan, err := syncmap.Reconcile(table.Rows, destRows, mapping, s.syncOptions(opts.Force))
	if err != nil {
		return SyncResult{}, fmt.Errorf("reconcile: %w", err)
	}

	touched := make([]string, 0, len(plan.Inserts)+len(plan.Updates))
	for _, insert := range plan.Inserts {
		insert[store.DataSourceField] = ds.ID
		id, err := s.store.InsertRecord(ctx, ds.TargetTable, store.Record(insert))
		if err != nil {
			return SyncResult{}, err
		}
		touched = append(touched, id)
	}
	for _, update := range plan.Updates {
		if err := s.store.UpdateRecord(ctx, ds.TargetTable, update.ID, store.Record(update.Values)); err != nil {
			return SyncResult{}, err
		}
		touched = append(touched, update.ID)
	}

	pending := make([]conflicts.Entry, 0, len(plan.Conflicts))
	durable := make([]store.SyncConflict, 0, len(plan.Conflicts))
	for i, conflict := range plan.Conflicts {
		id := util.NewID("cf")
		pending = append(pending, conflicts.Entry{ConflictID: id, Position: i, Conflict: conflict})
		durable = append(durable, store.SyncConflict{
			ID:          id,
			SyncLogID:   logID,
			TargetTable: ds.TargetTable,
			RowID:       conflict.RowID,
			RecordID:    conflict.RecordID,
			CRMData:     conflict.Dest,
			SheetData:   conflict.Source,
			FieldDiffs:  conflict.FieldDiffs,
		})
	}
	// SaveConflicts supersedes whatever earlier runs left open
	if err := s.store.SaveConflicts(ctx, ds.ID, durable); err != nil {
		return SyncResult{}, err
	}
	s.cachePending(ctx, ds.ID, pending)
	s.reindex(ctx, ds.TargetTable, touched)

	result := SyncResult{
		DataSourceID:     ds.ID,
		SyncLogID:        logID,
		RecordsProcessed: plan.Processed(),
		RecordsInserted:  len(plan.Inserts),
		RecordsUpdated:   len(plan.Updates),
		RecordsUnchanged: plan.Unchanged,
		RecordsSkipped:   plan.Skipped,
		Conflicts:        pending,
	}

	logStatus, sourceStatus := store.SyncStatusSuccess, store.DataSourceActive
	if len(pending) > 0 {
		logStatus, sourceStatus = store.SyncStatusConflicts, store.DataSourceConflicts
	}
	if err := s.store.FinishSyncLog(ctx, store.SyncLog{
		ID:               logID,
		Status:           logStatus,
		RecordsProcessed: result.RecordsProcessed,
		RecordsInserted:  result.RecordsInserted,
		RecordsUpdated:   result.RecordsUpdated,
		RecordsUnchanged: result.RecordsUnchanged,
		RecordsSkipped:   result.RecordsSkipped,
		ConflictCount:    len(pending),
	}); err != nil {
		return SyncResult{}, err
	}
	if err := s.store.SetDataSourceStatus(ctx, ds.ID, sourceStatus, "", true); err != nil {
		return SyncResult{}, err
	}
	return result, nil
}

func (s *Service) cachePending(ctx context.Context, dataSourceID string, pending []conflicts.Entry) {
	if s.conflicts == nil {
		return
	}
	var err error
	if len(pending) == 0 {
		err = s.conflicts.ClearPending(ctx, dataSourceID)
	} else {
		err = s.conflicts.SavePending(ctx, dataSourceID, pending, s.cfg.ConflictTTL)
	}
	if err != nil {
		s.logger.Warn("cache pending conflicts", zap.String("data_source_id", dataSourceID), zap.Error(err))
	}
}

// reindex refreshes search documents for the given rows of a searchable table.
func (s *Service) reindex(ctx context.Context, table string, ids []string) {
	if s.search == nil || len(ids) == 0 || (table != "leads" && table != "properties") {
		return
	}
	records := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		record, err := s.store.GetRecord(ctx, table, id)
		if err != nil {
			s.logger.Warn("load record for search", zap.String("table", table), zap.String("id", id), zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	s.search.IndexRecords(table, records)
}

// PullAll pulls every auto-sync source that is not paused, a few at a time.
// One failing source does not stop the others.
func (s *Service) PullAll(ctx context.Context) ([]PullOutcome, error) {
	sources, err := s.store.ListDataSources(ctx)
	if err != nil {
		return nil, err
	}
	eligible := make([]store.DataSource, 0, len(sources))
	for _, ds := range sources {
		if ds.AutoSync && ds.Status != store.DataSourcePaused {
			eligible = append(eligible, ds)
		}
	}

	outcomes := make([]PullOutcome, len(eligible))
	var group errgroup.Group
	group.SetLimit(max(s.cfg.SyncConcurrency, 1))
	for i, ds := range eligible {
		group.Go(func() error {
			outcomes[i] = PullOutcome{DataSourceID: ds.ID}
			result, err := s.PullSync(ctx, ds.ID, PullOptions{})
			if err != nil {
				outcomes[i].Error = err.Error()
				return nil
			}
			outcomes[i].Result = &result
			return nil
		})
	}
	_ = group.Wait()
	return outcomes, ctx.Err()
}

func conflictEntry(item store.SyncConflict, position int) conflicts.Entry {
	return conflicts.Entry{
		ConflictID: item.ID,
		Position:   position,
		Conflict: syncmap.Conflict{
			RowID:      item.RowID,
			RecordID:   item.RecordID,
			Dest:       syncmap.Record(item.CRMData),
			Source:     syncmap.Record(item.SheetData),
			FieldDiffs: item.FieldDiffs,
		},
	}
}

// ListConflicts returns the open conflicts of a source, from the cache when it has them.
func (s *Service) ListConflicts(ctx context.Context, dataSourceID string) ([]conflicts.Entry, error) {
	ds, err := s.loadDataSource(ctx, dataSourceID)
	if err != nil {
		return nil, err
	}
	if s.conflicts != nil {
		entries, err := s.conflicts.Pending(ctx, ds.ID)
		if err != nil {
			s.logger.Warn("read pending conflicts", zap.String("data_source_id", ds.ID), zap.Error(err))
		} else if len(entries) > 0 {
			return entries, nil
		}
	}

	items, err := s.store.ListOpenConflicts(ctx, ds.ID)
	if err != nil {
		return nil, err
	}
	entries := make([]conflicts.Entry, 0, len(items))
	for i, item := range items {
		entries = append(entries, conflictEntry(item, i))
	}
	return entries, nil
}

type ResolveInput struct {
	ConflictID string                         `json:"conflictId"`
	Choice     syncmap.Choice                 `json:"choice"`
	Fields     map[string]syncmap.FieldChoice `json:"fields"`
}

type ResolveResult struct {
	ConflictID string         `json:"conflict_id"`
	RecordID   string         `json:"record_id"`
	Applied    syncmap.Record `json:"applied"`
	Remaining  int            `json:"remaining"`
}

// ResolveConflict writes the human decision for one conflict to the CRM row.
// The source returns to active once its last open conflict is resolved.
func (s *Service) ResolveConflict(ctx context.Context, input ResolveInput, resolvedBy string) (ResolveResult, error) {
	conflictID := strings.TrimSpace(input.ConflictID)
	if conflictID == "" {
		return ResolveResult{}, invalid("conflictId is required", nil)
	}
	item, err := s.store.GetConflict(ctx, conflictID)
	if errors.Is(err, store.ErrNotFound) {
		return ResolveResult{}, notFound("Conflict")
	}
	if err != nil {
		return ResolveResult{}, err
	}
	if item.Status != "open" {
		return ResolveResult{}, domainError(http.StatusConflict, "CONFLICT_CLOSED", "Conflict is already "+item.Status, nil)
	}

	ds, err := s.loadDataSource(ctx, item.DataSourceID)
	if err != nil {
		return ResolveResult{}, err
	}
	mapping, err := mappingFor(ds)
	if err != nil {
		return ResolveResult{}, domainError(http.StatusBadRequest, "INVALID_MAPPING", err.Error(), nil)
	}

	entry := conflictEntry(item, 0)
	entry.Dest = syncmap.Retype(mapping, entry.Dest)
	entry.Source = syncmap.Retype(mapping, entry.Source)
	patch, err := syncmap.Resolve(mapping, entry.Conflict, input.Choice, input.Fields, s.syncOptions(false))
	if err != nil {
		return ResolveResult{}, invalid(err.Error(), nil)
	}

	if len(patch) > 0 {
		if err := s.store.UpdateRecord(ctx, item.TargetTable, item.RecordID, store.Record(patch)); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ResolveResult{}, domainError(http.StatusNotFound, "NOT_FOUND", "Record no longer exists", nil)
			}
			return ResolveResult{}, err
		}
	}
	if err := s.store.MarkConflictResolved(ctx, item.ID, string(input.Choice), resolvedBy); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ResolveResult{}, domainError(http.StatusConflict, "CONFLICT_CLOSED", "Conflict was resolved concurrently", nil)
		}
		return ResolveResult{}, err
	}
	if s.conflicts != nil {
		if _, err := s.conflicts.RemovePending(ctx, ds.ID, item.RowID); err != nil {
			s.logger.Warn("drop pending conflict", zap.String("conflict_id", item.ID), zap.Error(err))
		}
	}

	remaining, err := s.store.CountOpenConflicts(ctx, ds.ID)
	if err != nil {
		return ResolveResult{}, err
	}
	if remaining == 0 && ds.Status == store.DataSourceConflicts {
		if err := s.store.SetDataSourceStatus(ctx, ds.ID, store.DataSourceActive, "", false); err != nil {
			return ResolveResult{}, err
		}
	}
	if len(patch) > 0 {
		s.reindex(ctx, item.TargetTable, []string{item.RecordID})
	}

	return ResolveResult{
		ConflictID: item.ID,
		RecordID:   item.RecordID,
		Applied:    patch,
		Remaining:  remaining,
	}, nil
}

// pushTarget loads the data source a push for table would be queued against.
func (s *Service) pushTarget(ctx context.Context, table, dataSourceID string) (store.DataSource, error) {
	ds, err := s.loadDataSource(ctx, dataSourceID)
	if err != nil {
		return store.DataSource{}, err
	}
	if ds.TargetTable != table {
		return store.DataSource{}, invalid(fmt.Sprintf("data source feeds %s, not %s", ds.TargetTable, table), nil)
	}
	return ds, nil
}

// QueuePush records a CRM-side change for a synced record. Nothing writes it back to the sheet.
func (s *Service) QueuePush(ctx context.Context, table, recordID, dataSourceID string) (store.SyncLog, error) {
	ds, err := s.pushTarget(ctx, table, dataSourceID)
	if err != nil {
		return store.SyncLog{}, err
	}
	record, err := s.store.GetRecord(ctx, table, recordID)
	if err != nil {
		return store.SyncLog{}, recordError(err)
	}
	if syncmap.Canonical(record[syncmap.KeyField]) == "" {
		return store.SyncLog{}, domainError(http.StatusBadRequest, "NOT_SYNCED", "Record is not linked to a sheet row", nil)
	}
	if owner := syncmap.Canonical(record[store.DataSourceField]); owner != "" && owner != ds.ID {
		return store.SyncLog{}, invalid("Record was pulled from data source "+owner, nil)
	}

	entry := store.SyncLog{
		DataSourceID:     ds.ID,
		Direction:        store.SyncDirectionPush,
		Status:           store.SyncStatusQueued,
		RecordTable:      table,
		RecordID:         recordID,
		RecordsProcessed: 1,
		Payload:          record,
		StartedAt:        time.Now().UTC(),
	}
	id, err := s.store.InsertSyncLog(ctx, entry)
	if err != nil {
		return store.SyncLog{}, err
	}
	entry.ID = id
	s.logger.Info("push queued", zap.String("data_source_id", ds.ID), zap.String("table", table), zap.String("record_id", recordID))
	return entry, nil
}

// TestDataSource reads the sheet once and reports its headers and row count.
func (s *Service) TestDataSource(ctx context.Context, dataSourceID string) (sheets.Probe, error) {
	ds, err := s.loadDataSource(ctx, dataSourceID)
	if err != nil {
		return sheets.Probe{}, err
	}
	if s.sheets == nil {
		return sheets.Probe{}, unavailable("SHEETS_UNAVAILABLE", "No sheet source configured")
	}
	probe, err := s.sheets.TestConnection(ctx, sheetConfig(ds))
	if err != nil {
		return sheets.Probe{}, domainError(http.StatusBadGateway, "SOURCE_UNREACHABLE", err.Error(), nil)
	}
	return probe, nil
}
