package app

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"estatecrm/api/internal/search"
	"estatecrm/api/internal/store"
	"estatecrm/api/internal/syncmap"
)

func recordError(err error) error {
	switch {
	case errors.Is(err, store.ErrUnknownTable):
		return domainError(http.StatusNotFound, "UNKNOWN_TABLE", err.Error(), nil)
	case errors.Is(err, store.ErrUnknownColumn):
		return domainError(http.StatusBadRequest, "UNKNOWN_COLUMN", err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		return notFound("Record")
	}
	return err
}

func (s *Service) ListRecords(ctx context.Context, table string, limit, offset int) ([]store.Record, error) {
	items, err := s.store.ListRecords(ctx, table, limit, offset)
	if err != nil {
		return nil, recordError(err)
	}
	return items, nil
}

func (s *Service) GetRecord(ctx context.Context, table, id string) (store.Record, error) {
	item, err := s.store.GetRecord(ctx, table, id)
	if err != nil {
		return nil, recordError(err)
	}
	return item, nil
}

func (s *Service) CreateRecord(ctx context.Context, table string, record store.Record) (store.Record, error) {
	if len(record) == 0 {
		return nil, invalid("Record is empty", nil)
	}
	id, err := s.store.InsertRecord(ctx, table, record)
	if err != nil {
		return nil, recordError(err)
	}
	s.reindex(ctx, table, []string{id})
	return s.GetRecord(ctx, table, id)
}

// UpdateRecord applies a patch. When pushSource names a data source and the row is linked
// to a sheet row, the change is also queued as a push log.
func (s *Service) UpdateRecord(ctx context.Context, table, id string, patch store.Record, pushSource string) (store.Record, error) {
	if len(patch) == 0 {
		return nil, invalid("Nothing to update", nil)
	}
	// a bad data source must fail before the patch is written
	if pushSource = strings.TrimSpace(pushSource); pushSource != "" {
		if _, err := s.pushTarget(ctx, table, pushSource); err != nil {
			return nil, err
		}
	}
	if err := s.store.UpdateRecord(ctx, table, id, patch); err != nil {
		return nil, recordError(err)
	}
	record, err := s.GetRecord(ctx, table, id)
	if err != nil {
		return nil, err
	}
	s.reindex(ctx, table, []string{id})

	if pushSource != "" && syncmap.Canonical(record[syncmap.KeyField]) != "" {
		if _, err := s.QueuePush(ctx, table, id, pushSource); err != nil {
			return nil, err
		}
	}
	return record, nil
}

func (s *Service) DeleteRecord(ctx context.Context, table, id string) error {
	if err := s.store.DeleteRecord(ctx, table, id); err != nil {
		return recordError(err)
	}
	if s.search != nil {
		s.search.Delete(table, id)
	}
	return nil
}

// ConvertColdCall creates a lead from a cold call and links the two.
func (s *Service) ConvertColdCall(ctx context.Context, id string) (store.Record, error) {
	call, err := s.GetRecord(ctx, "cold_calls", id)
	if err != nil {
		return nil, err
	}
	if existing := syncmap.Canonical(call["converted_lead_id"]); existing != "" {
		return nil, domainError(http.StatusConflict, "ALREADY_CONVERTED", "Cold call already converted", map[string]any{"leadId": existing})
	}

	lead := store.Record{
		"name":   call["name"],
		"phone":  call["phone"],
		"email":  call["email"],
		"status": "new",
		"source": "cold_call",
	}
	notes := make([]string, 0, 2)
	for _, field := range []string{"interest", "notes"} {
		if text := syncmap.Canonical(call[field]); text != "" {
			notes = append(notes, text)
		}
	}
	if len(notes) > 0 {
		lead["notes"] = strings.Join(notes, "\n")
	}
	if location := syncmap.Canonical(call["location"]); location != "" {
		lead["preferred_locations"] = []string{location}
	}

	leadID, err := s.store.InsertRecord(ctx, "leads", lead)
	if err != nil {
		return nil, recordError(err)
	}
	if err := s.store.UpdateRecord(ctx, "cold_calls", id, store.Record{
		"call_status":       "converted",
		"converted_lead_id": leadID,
	}); err != nil {
		return nil, recordError(err)
	}
	s.reindex(ctx, "leads", []string{leadID})
	s.logger.Info("cold call converted", zap.String("cold_call_id", id), zap.String("lead_id", leadID))
	return s.GetRecord(ctx, "leads", leadID)
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}
