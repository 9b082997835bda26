package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const (
	leadDocument     = `to_tsvector('simple', COALESCE(l.name, '') || ' ' || COALESCE(l.notes, '') || ' ' || COALESCE(l.phone, '') || ' ' || COALESCE(l.email, ''))`
	propertyDocument = `to_tsvector('simple', COALESCE(p.title, '') || ' ' || COALESCE(p.location, '') || ' ' || COALESCE(p.address, '') || ' ' || COALESCE(p.description, ''))`
)

// PgFTS searches leads and properties with PostgreSQL full-text search.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Search runs a UNION ALL over leads and properties ranked by ts_rank.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('simple', $1)"
	args := []any{q.Text}
	statusClause := func(string) string { return "" }
	if q.FilterStatus != "" {
		args = append(args, q.FilterStatus)
		statusClause = func(alias string) string { return " AND " + alias + ".status = $2" }
	}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultLead {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'lead'::text AS type, l.id, COALESCE(l.name, '') AS title,
				COALESCE(l.phone, '') AS snippet, l.status,
				ts_rank(%s, %s) AS rank
			FROM leads l
			WHERE %s @@ %s%s`, leadDocument, tsQuery, leadDocument, tsQuery, statusClause("l")))
	}
	if q.FilterType == "" || q.FilterType == ResultProperty {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'property'::text AS type, p.id, COALESCE(p.title, '') AS title,
				COALESCE(p.location, '') AS snippet, p.status,
				ts_rank(%s, %s) AS rank
			FROM properties p
			WHERE %s @@ %s%s`, propertyDocument, tsQuery, propertyDocument, tsQuery, statusClause("p")))
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}
	union := strings.Join(subQueries, " UNION ALL ")

	var total int
	if err := p.db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM (%s) sub", union), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT type, id, title, snippet, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r   Result
			typ string
		)
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every lead and property for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]LeadRecord, []PropertyRecord, error) {
	leadRows, err := p.db.QueryContext(ctx, `
		SELECT id, COALESCE(name, ''), COALESCE(phone, ''), COALESCE(email, ''), status,
			COALESCE(array_to_string(preferred_locations, ','), ''), COALESCE(notes, '')
		FROM leads
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load leads: %w", err)
	}
	defer leadRows.Close()

	leads := make([]LeadRecord, 0)
	for leadRows.Next() {
		var (
			l         LeadRecord
			locations string
		)
		if err := leadRows.Scan(&l.ID, &l.Name, &l.Phone, &l.Email, &l.Status, &locations, &l.Notes); err != nil {
			return nil, nil, fmt.Errorf("scan lead: %w", err)
		}
		l.Locations = splitLocations(locations)
		leads = append(leads, l)
	}
	if err := leadRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate leads: %w", err)
	}

	propertyRows, err := p.db.QueryContext(ctx, `
		SELECT id, COALESCE(title, ''), property_type, status, COALESCE(location, ''), COALESCE(address, ''),
			COALESCE(description, ''), COALESCE(price, 0)::float8
		FROM properties
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load properties: %w", err)
	}
	defer propertyRows.Close()

	properties := make([]PropertyRecord, 0)
	for propertyRows.Next() {
		var r PropertyRecord
		if err := propertyRows.Scan(&r.ID, &r.Title, &r.PropertyType, &r.Status, &r.Location, &r.Address, &r.Description, &r.Price); err != nil {
			return nil, nil, fmt.Errorf("scan property: %w", err)
		}
		properties = append(properties, r)
	}
	if err := propertyRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate properties: %w", err)
	}

	return leads, properties, nil
}

func splitLocations(value string) []string {
	items := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	return items
}
