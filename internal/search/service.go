package search

import (
	"context"

	"go.uber.org/zap"
)

// Service tries Meilisearch first and falls back to Postgres FTS.
type Service struct {
	meili  *Meili
	pgfts  *PgFTS
	logger *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, logger *zap.Logger) *Service {
	return &Service{meili: meili, pgfts: pgfts, logger: logger.Named("search")}
}

func (s *Service) meiliReady() bool {
	return s != nil && s.meili != nil && s.meili.Healthy()
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meiliReady() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to pgfts", zap.Error(err))
	}
	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		s.logger.Error("pgfts search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexRecords pushes changed rows of a synced table to the index in the background.
// Tables other than leads and properties are ignored.
func (s *Service) IndexRecords(table string, records []map[string]any) {
	if !s.meiliReady() || len(records) == 0 {
		return
	}
	switch table {
	case "leads":
		leads := make([]LeadRecord, 0, len(records))
		for _, record := range records {
			leads = append(leads, LeadFromRecord(record))
		}
		go func() {
			if err := s.meili.IndexLeads(leads); err != nil {
				s.logger.Warn("index leads", zap.Int("count", len(leads)), zap.Error(err))
			}
		}()
	case "properties":
		properties := make([]PropertyRecord, 0, len(records))
		for _, record := range records {
			properties = append(properties, PropertyFromRecord(record))
		}
		go func() {
			if err := s.meili.IndexProperties(properties); err != nil {
				s.logger.Warn("index properties", zap.Int("count", len(properties)), zap.Error(err))
			}
		}()
	}
}

func (s *Service) Delete(table, id string) {
	if !s.meiliReady() {
		return
	}
	var rtyp ResultType
	switch table {
	case "leads":
		rtyp = ResultLead
	case "properties":
		rtyp = ResultProperty
	default:
		return
	}
	go func() {
		if err := s.meili.Delete(rtyp, id); err != nil {
			s.logger.Warn("delete from index", zap.String("table", table), zap.String("id", id), zap.Error(err))
		}
	}()
}

// ReindexAllFromPG loads every lead and property from Postgres into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.meiliReady() || s.pgfts == nil {
		return
	}
	leads, properties, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Warn("reindex load failed", zap.Error(err))
		return
	}
	if err := s.meili.IndexLeads(leads); err != nil {
		s.logger.Warn("reindex leads", zap.Error(err))
	}
	if err := s.meili.IndexProperties(properties); err != nil {
		s.logger.Warn("reindex properties", zap.Error(err))
	}
	s.logger.Info("search reindexed", zap.Int("leads", len(leads)), zap.Int("properties", len(properties)))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
