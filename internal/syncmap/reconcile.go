package syncmap

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Row is one sheet row keyed by header text.
type Row map[string]string

// Record is one destination row keyed by column name.
type Record map[string]any

// Preference decides what happens to rows whose mapped fields differ.
type Preference string

const (
	// PreferNone reports differences as conflicts for a person to resolve.
	PreferNone Preference = ""
	// PreferSheet overwrites the differing fields with the sheet values.
	PreferSheet Preference = "sheet"
)

type Conflict struct {
	RowID      string   `json:"row_id"`
	RecordID   string   `json:"record_id"`
	Dest       Record   `json:"crm_data"`
	Source     Record   `json:"sheet_data"`
	FieldDiffs []string `json:"field_diffs"`
}

type Update struct {
	ID     string `json:"id"`
	RowID  string `json:"row_id"`
	Values Record `json:"values"`
}

type Plan struct {
	Inserts   []Record   `json:"inserts"`
	Updates   []Update   `json:"updates"`
	Conflicts []Conflict `json:"conflicts"`
	Unchanged int        `json:"unchanged"`
	Skipped   int        `json:"skipped"`
}

// Processed is the number of sheet rows the plan accounts for.
func (p Plan) Processed() int {
	return len(p.Inserts) + len(p.Updates) + len(p.Conflicts) + p.Unchanged + p.Skipped
}

// RowID returns the external id of a sheet row under the mapping.
func RowID(m Mapping, row Row) string {
	if m.KeyColumn == "" {
		return strings.TrimSpace(row[RowNumberKey])
	}
	return strings.TrimSpace(lookup(row, m.KeyColumn))
}

// MapRow coerces every mapped column of a sheet row. Headers missing from the row map to nil.
func MapRow(m Mapping, row Row, opts Options) (Record, error) {
	record := make(Record, len(m.Columns)+1)
	for _, column := range m.Columns {
		value, err := Coerce(column.Rule, lookup(row, column.Source), opts)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", column.Dest, err)
		}
		record[column.Dest] = value
	}
	if id := RowID(m, row); id != "" {
		record[KeyField] = id
	}
	return record, nil
}

// Diff lists mapped fields whose canonical values differ, in mapping order.
func Diff(m Mapping, dest, source Record) []string {
	diffs := make([]string, 0)
	for _, column := range m.Columns {
		if Canonical(dest[column.Dest]) != Canonical(source[column.Dest]) {
			diffs = append(diffs, column.Dest)
		}
	}
	return diffs
}

// Reconcile matches sheet rows against destination rows on KeyField and
// splits them into inserts, updates and conflicts. It performs no I/O.
func Reconcile(sourceRows []Row, destRows []Record, m Mapping, opts Options) (Plan, error) {
	plan := Plan{
		Inserts:   make([]Record, 0),
		Updates:   make([]Update, 0),
		Conflicts: make([]Conflict, 0),
	}

	existing := make(map[string]Record, len(destRows))
	for _, dest := range destRows {
		key := Canonical(dest[KeyField])
		if key == "" {
			continue
		}
		if _, dup := existing[key]; !dup {
			existing[key] = dest
		}
	}

	seen := make(map[string]struct{}, len(sourceRows))
	for _, row := range sourceRows {
		rowID := RowID(m, row)
		if rowID == "" {
			plan.Skipped++
			continue
		}
		if _, dup := seen[rowID]; dup {
			plan.Skipped++
			continue
		}
		seen[rowID] = struct{}{}

		source, err := MapRow(m, row, opts)
		if err != nil {
			return Plan{}, fmt.Errorf("row %s: %w", rowID, err)
		}

		dest, ok := existing[rowID]
		if !ok {
			plan.Inserts = append(plan.Inserts, source)
			continue
		}

		diffs := Diff(m, dest, source)
		if len(diffs) == 0 {
			plan.Unchanged++
			continue
		}

		recordID := Canonical(dest["id"])
		if opts.Prefer == PreferSheet {
			values := make(Record, len(diffs))
			for _, field := range diffs {
				values[field] = source[field]
			}
			plan.Updates = append(plan.Updates, Update{ID: recordID, RowID: rowID, Values: values})
			continue
		}

		plan.Conflicts = append(plan.Conflicts, Conflict{
			RowID:      rowID,
			RecordID:   recordID,
			Dest:       snapshot(m, dest),
			Source:     source,
			FieldDiffs: diffs,
		})
	}
	return plan, nil
}

func snapshot(m Mapping, dest Record) Record {
	out := make(Record, len(m.Columns)+2)
	for _, field := range m.Fields() {
		out[field] = dest[field]
	}
	out["id"] = dest["id"]
	out[KeyField] = dest[KeyField]
	return out
}

// lookup finds a header case-insensitively, ignoring surrounding spaces.
func lookup(row Row, header string) string {
	if value, ok := row[header]; ok {
		return value
	}
	want := strings.ToLower(strings.TrimSpace(header))
	for key, value := range row {
		if strings.ToLower(strings.TrimSpace(key)) == want {
			return value
		}
	}
	return ""
}

// Canonical renders a value in the form used for equality between sheet and CRM values.
func Canonical(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case []byte:
		return strings.TrimSpace(string(v))
	case float64:
		return formatFloat(v)
	case float32:
		return formatFloat(float64(v))
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		if v.Hour() == 0 && v.Minute() == 0 && v.Second() == 0 && v.Nanosecond() == 0 {
			return v.Format("2006-01-02")
		}
		return v.UTC().Format(time.RFC3339)
	case []string:
		return strings.Join(v, ",")
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = Canonical(item)
		}
		return strings.Join(parts, ",")
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func formatFloat(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
