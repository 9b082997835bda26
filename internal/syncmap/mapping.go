package syncmap

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// KeyField is the destination column correlating a CRM row with a sheet row.
const KeyField = "google_sheet_row_id"

// RowNumberKey is set by sheet readers on every row to the 1-based sheet row number.
const RowNumberKey = "__row"

var (
	ErrUnknownTable = errors.New("no mapping for table")
	ErrUnknownField = errors.New("unknown destination field")
)

type Column struct {
	Source string `yaml:"source" json:"source"`
	Dest   string `yaml:"dest" json:"dest"`
	Rule   Rule   `yaml:"rule" json:"rule"`
}

type Mapping struct {
	Table     string   `yaml:"-" json:"table"`
	KeyColumn string   `yaml:"key" json:"keyColumn"`
	Columns   []Column `yaml:"columns" json:"columns"`
}

//go:embed mappings.yaml
var builtinYAML []byte

var builtin map[string]Mapping

func init() {
	parsed, err := LoadMappings(builtinYAML)
	if err != nil {
		panic(fmt.Sprintf("syncmap: built-in mappings: %v", err))
	}
	builtin = parsed
}

// LoadMappings parses a YAML document of table -> mapping.
func LoadMappings(data []byte) (map[string]Mapping, error) {
	var raw map[string]Mapping
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse mappings: %w", err)
	}
	out := make(map[string]Mapping, len(raw))
	for table, mapping := range raw {
		mapping.Table = table
		if err := mapping.Validate(); err != nil {
			return nil, err
		}
		out[table] = mapping
	}
	return out, nil
}

// Builtin returns a copy of the default mapping for a destination table.
func Builtin(table string) (Mapping, error) {
	mapping, ok := builtin[table]
	if !ok {
		return Mapping{}, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	mapping.Columns = append([]Column(nil), mapping.Columns...)
	return mapping, nil
}

// Tables lists the destination tables that have a built-in mapping.
func Tables() []string {
	tables := make([]string, 0, len(builtin))
	for table := range builtin {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	return tables
}

func (m Mapping) Validate() error {
	if len(m.Columns) == 0 {
		return fmt.Errorf("mapping %s: no columns", m.Table)
	}
	seen := make(map[string]struct{}, len(m.Columns))
	for _, column := range m.Columns {
		if strings.TrimSpace(column.Source) == "" || strings.TrimSpace(column.Dest) == "" {
			return fmt.Errorf("mapping %s: column needs source and dest", m.Table)
		}
		if column.Dest == KeyField || column.Dest == "id" {
			return fmt.Errorf("mapping %s: %s is reserved", m.Table, column.Dest)
		}
		if !column.Rule.Valid() {
			return fmt.Errorf("mapping %s.%s: %w: %q", m.Table, column.Dest, ErrUnknownRule, column.Rule)
		}
		if _, dup := seen[column.Dest]; dup {
			return fmt.Errorf("mapping %s: duplicate destination %s", m.Table, column.Dest)
		}
		seen[column.Dest] = struct{}{}
	}
	return nil
}

// Fields lists destination fields in mapping order.
func (m Mapping) Fields() []string {
	fields := make([]string, len(m.Columns))
	for i, column := range m.Columns {
		fields[i] = column.Dest
	}
	return fields
}

func (m Mapping) Column(dest string) (Column, bool) {
	for _, column := range m.Columns {
		if column.Dest == dest {
			return column, true
		}
	}
	return Column{}, false
}

// Override re-points destination fields at different sheet headers. The keys of
// sources are destination fields of base; rules are inherited.
func Override(base Mapping, sources map[string]string, keyColumn string) (Mapping, error) {
	out := Mapping{Table: base.Table, KeyColumn: base.KeyColumn, Columns: append([]Column(nil), base.Columns...)}
	if strings.TrimSpace(keyColumn) != "" {
		out.KeyColumn = strings.TrimSpace(keyColumn)
	}
	for dest, source := range sources {
		found := false
		for i := range out.Columns {
			if out.Columns[i].Dest == dest {
				out.Columns[i].Source = strings.TrimSpace(source)
				found = true
				break
			}
		}
		if !found {
			return Mapping{}, fmt.Errorf("%w: %s.%s", ErrUnknownField, base.Table, dest)
		}
	}
	if err := out.Validate(); err != nil {
		return Mapping{}, err
	}
	return out, nil
}
