package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"estatecrm/api/internal/util"
)

// Record is a row of one of the syncable CRM tables keyed by column name.
type Record = map[string]any

var (
	ErrNotFound      = errors.New("not found")
	ErrUnknownTable  = errors.New("unknown table")
	ErrUnknownColumn = errors.New("unknown column")
)

type columnKind int

const (
	kindText columnKind = iota
	kindNumber
	kindInteger
	kindList
	kindDate
	kindBool
	kindTimestamp
)

type tableDef struct {
	idPrefix string
	columns  map[string]columnKind
}

// DataSourceField names the data source a synced row was pulled from.
const DataSourceField = "data_source_id"

var commonColumns = map[string]columnKind{
	"google_sheet_row_id": kindText,
	DataSourceField:       kindText,
	"created_at":          kindTimestamp,
	"updated_at":          kindTimestamp,
}

var tables = map[string]tableDef{
	"leads": {idPrefix: "lead", columns: map[string]columnKind{
		"name": kindText, "phone": kindText, "email": kindText,
		"budget_min": kindNumber, "budget_max": kindNumber, "bedrooms": kindInteger,
		"preferred_locations": kindList, "property_type": kindText, "status": kindText,
		"source": kindText, "notes": kindText, "assigned_to": kindText,
	}},
	"cold_calls": {idPrefix: "cc", columns: map[string]columnKind{
		"name": kindText, "phone": kindText, "email": kindText, "location": kindText,
		"interest": kindText, "call_status": kindText, "call_date": kindDate, "notes": kindText,
		"converted_lead_id": kindText,
	}},
	"properties": {idPrefix: "prop", columns: map[string]columnKind{
		"title": kindText, "property_type": kindText, "status": kindText,
		"price": kindNumber, "area_sqft": kindNumber, "bedrooms": kindInteger, "bathrooms": kindInteger,
		"location": kindText, "address": kindText, "amenities": kindList,
		"owner_name": kindText, "owner_phone": kindText, "description": kindText,
	}},
	"plots": {idPrefix: "plot", columns: map[string]columnKind{
		"plot_number": kindText, "survey_number": kindText, "location": kindText,
		"area_sqft": kindNumber, "price": kindNumber, "facing": kindText, "status": kindText,
		"owner_name": kindText, "owner_phone": kindText,
	}},
}

// RecordTables lists the tables served by the generic record API.
func RecordTables() []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupTable(table string) (tableDef, error) {
	def, ok := tables[table]
	if !ok {
		return tableDef{}, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return def, nil
}

func (t tableDef) kind(column string) (columnKind, bool) {
	if kind, ok := t.columns[column]; ok {
		return kind, true
	}
	kind, ok := commonColumns[column]
	return kind, ok
}

// orderedColumns is id followed by every other column in name order.
func (t tableDef) orderedColumns() []string {
	names := make([]string, 0, len(t.columns)+len(commonColumns))
	for name := range t.columns {
		names = append(names, name)
	}
	for name := range commonColumns {
		names = append(names, name)
	}
	sort.Strings(names)
	return append([]string{"id"}, names...)
}

func selectExpr(column string, kind columnKind) string {
	ident := pgx.Identifier{column}.Sanitize()
	switch kind {
	case kindNumber:
		return ident + "::float8"
	case kindList:
		return "to_json(" + ident + ")::text"
	case kindDate:
		return "to_char(" + ident + ", 'YYYY-MM-DD')"
	}
	return ident
}

func paramExpr(n int, kind columnKind) string {
	switch kind {
	case kindNumber:
		return fmt.Sprintf("$%d::float8", n)
	case kindInteger:
		return fmt.Sprintf("$%d::int8", n)
	case kindList:
		return fmt.Sprintf("$%d::text[]", n)
	case kindDate:
		return fmt.Sprintf("$%d::text::date", n)
	case kindBool:
		return fmt.Sprintf("$%d::bool", n)
	case kindTimestamp:
		return fmt.Sprintf("$%d::timestamptz", n)
	}
	return fmt.Sprintf("$%d", n)
}

func (s *PostgresStore) selectRecords(ctx context.Context, table, where string, args ...any) ([]Record, error) {
	def, err := lookupTable(table)
	if err != nil {
		return nil, err
	}
	columns := def.orderedColumns()
	exprs := make([]string, len(columns))
	kinds := make([]columnKind, len(columns))
	for i, column := range columns {
		kind, _ := def.kind(column)
		kinds[i] = kind
		exprs[i] = selectExpr(column, kind)
	}
	query := fmt.Sprintf("SELECT %s FROM %s %s", strings.Join(exprs, ", "), pgx.Identifier{table}.Sanitize(), where)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer rows.Close()

	items := make([]Record, 0)
	for rows.Next() {
		dest := make([]any, len(columns))
		for i, kind := range kinds {
			dest[i] = scanTarget(kind)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		record := make(Record, len(columns))
		for i, column := range columns {
			value, err := scannedValue(kinds[i], dest[i])
			if err != nil {
				return nil, fmt.Errorf("decode %s.%s: %w", table, column, err)
			}
			record[column] = value
		}
		items = append(items, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return items, nil
}

func scanTarget(kind columnKind) any {
	switch kind {
	case kindNumber:
		return new(sql.NullFloat64)
	case kindInteger:
		return new(sql.NullInt64)
	case kindBool:
		return new(sql.NullBool)
	case kindTimestamp:
		return new(sql.NullTime)
	}
	return new(sql.NullString)
}

func scannedValue(kind columnKind, target any) (any, error) {
	switch v := target.(type) {
	case *sql.NullFloat64:
		if v.Valid {
			return v.Float64, nil
		}
	case *sql.NullInt64:
		if v.Valid {
			return v.Int64, nil
		}
	case *sql.NullBool:
		if v.Valid {
			return v.Bool, nil
		}
	case *sql.NullTime:
		if v.Valid {
			return v.Time, nil
		}
	case *sql.NullString:
		if !v.Valid {
			return nil, nil
		}
		if kind == kindList {
			var items []string
			if err := json.Unmarshal([]byte(v.String), &items); err != nil {
				return nil, err
			}
			if items == nil {
				items = []string{}
			}
			return items, nil
		}
		return v.String, nil
	}
	return nil, nil
}

// toParam converts a loosely typed value into what the column placeholder expects.
func toParam(kind columnKind, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch kind {
	case kindNumber:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		case int:
			return float64(v), nil
		case json.Number:
			return v.Float64()
		case string:
			if strings.TrimSpace(v) == "" {
				return nil, nil
			}
			return strconv.ParseFloat(strings.TrimSpace(v), 64)
		}
	case kindInteger:
		switch v := value.(type) {
		case int64:
			return v, nil
		case int:
			return int64(v), nil
		case float64:
			return int64(v), nil
		case json.Number:
			return v.Int64()
		case string:
			if strings.TrimSpace(v) == "" {
				return nil, nil
			}
			return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		}
	case kindList:
		switch v := value.(type) {
		case []string:
			return v, nil
		case []any:
			items := make([]string, 0, len(v))
			for _, item := range v {
				items = append(items, fmt.Sprint(item))
			}
			return items, nil
		case string:
			items := make([]string, 0)
			for _, part := range strings.Split(v, ",") {
				if trimmed := strings.TrimSpace(part); trimmed != "" {
					items = append(items, trimmed)
				}
			}
			return items, nil
		}
	case kindBool:
		if v, ok := value.(bool); ok {
			return v, nil
		}
	case kindTimestamp:
		if v, ok := value.(time.Time); ok {
			return v, nil
		}
	default:
		switch v := value.(type) {
		case string:
			return v, nil
		case time.Time:
			return v.Format("2006-01-02"), nil
		default:
			return fmt.Sprint(v), nil
		}
	}
	return nil, fmt.Errorf("unsupported value %T", value)
}

func (s *PostgresStore) ListRecords(ctx context.Context, table string, limit, offset int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.selectRecords(ctx, table, "ORDER BY created_at DESC LIMIT $1 OFFSET $2", limit, offset)
}

// ListSyncedRecords returns the rows of a table that were pulled from one data source.
// Sheet row ids are only unique within a source.
func (s *PostgresStore) ListSyncedRecords(ctx context.Context, table, dataSourceID string) ([]Record, error) {
	return s.selectRecords(ctx, table, "WHERE data_source_id=$1 AND google_sheet_row_id IS NOT NULL", dataSourceID)
}

func (s *PostgresStore) GetRecord(ctx context.Context, table, id string) (Record, error) {
	items, err := s.selectRecords(ctx, table, "WHERE id=$1", id)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return items[0], nil
}

// FindRecords returns rows where column equals value.
func (s *PostgresStore) FindRecords(ctx context.Context, table, column string, value any) ([]Record, error) {
	def, err := lookupTable(table)
	if err != nil {
		return nil, err
	}
	if _, ok := def.kind(column); !ok && column != "id" {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, column)
	}
	return s.selectRecords(ctx, table, "WHERE "+pgx.Identifier{column}.Sanitize()+"=$1", value)
}

func writableColumns(def tableDef, table string, record Record) ([]string, error) {
	columns := make([]string, 0, len(record))
	for column := range record {
		if column == "id" || column == "created_at" || column == "updated_at" {
			continue
		}
		if _, ok := def.kind(column); !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, column)
		}
		columns = append(columns, column)
	}
	sort.Strings(columns)
	return columns, nil
}

// InsertRecord stores a new row and returns its id. A caller supplied id is kept.
func (s *PostgresStore) InsertRecord(ctx context.Context, table string, record Record) (string, error) {
	def, err := lookupTable(table)
	if err != nil {
		return "", err
	}
	columns, err := writableColumns(def, table, record)
	if err != nil {
		return "", err
	}

	id, _ := record["id"].(string)
	if strings.TrimSpace(id) == "" {
		id = util.NewID(def.idPrefix)
	}
	names := []string{"id"}
	placeholders := []string{"$1"}
	args := []any{id}
	for _, column := range columns {
		kind, _ := def.kind(column)
		value, err := toParam(kind, record[column])
		if err != nil {
			return "", fmt.Errorf("%s.%s: %w", table, column, err)
		}
		args = append(args, value)
		names = append(names, pgx.Identifier{column}.Sanitize())
		placeholders = append(placeholders, paramExpr(len(args), kind))
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pgx.Identifier{table}.Sanitize(), strings.Join(names, ", "), strings.Join(placeholders, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return "", fmt.Errorf("insert %s: %w", table, err)
	}
	return id, nil
}

// UpdateRecord writes exactly the columns present in patch.
func (s *PostgresStore) UpdateRecord(ctx context.Context, table, id string, patch Record) error {
	def, err := lookupTable(table)
	if err != nil {
		return err
	}
	columns, err := writableColumns(def, table, patch)
	if err != nil {
		return err
	}
	if len(columns) == 0 {
		return nil
	}

	args := []any{id}
	sets := make([]string, 0, len(columns)+1)
	for _, column := range columns {
		kind, _ := def.kind(column)
		value, err := toParam(kind, patch[column])
		if err != nil {
			return fmt.Errorf("%s.%s: %w", table, column, err)
		}
		args = append(args, value)
		sets = append(sets, pgx.Identifier{column}.Sanitize()+"="+paramExpr(len(args), kind))
	}
	sets = append(sets, "updated_at=NOW()")

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id=$1", pgx.Identifier{table}.Sanitize(), strings.Join(sets, ", "))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteRecord(ctx context.Context, table, id string) error {
	if _, err := lookupTable(table); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id=$1", pgx.Identifier{table}.Sanitize()), id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}
