package syncmap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinTables(t *testing.T) {
	assert.Equal(t, []string{"cold_calls", "leads", "plots", "properties"}, Tables())

	m, err := Builtin("leads")
	require.NoError(t, err)
	assert.Equal(t, "leads", m.Table)
	column, ok := m.Column("preferred_locations")
	require.True(t, ok)
	assert.Equal(t, RuleList, column.Rule)

	_, err = Builtin("invoices")
	assert.True(t, errors.Is(err, ErrUnknownTable))
}

func TestBuiltinReturnsCopy(t *testing.T) {
	m, err := Builtin("plots")
	require.NoError(t, err)
	m.Columns[0].Source = "changed"

	again, err := Builtin("plots")
	require.NoError(t, err)
	assert.Equal(t, "Plot Number", again.Columns[0].Source)
}

func TestLoadMappingsValidates(t *testing.T) {
	_, err := LoadMappings([]byte("leads:\n  columns:\n    - {source: Name, dest: name, rule: shouting}\n"))
	assert.True(t, errors.Is(err, ErrUnknownRule))

	_, err = LoadMappings([]byte("leads:\n  columns:\n    - {source: Row, dest: google_sheet_row_id, rule: text}\n"))
	assert.Error(t, err)

	_, err = LoadMappings([]byte("leads:\n  columns:\n    - {source: A, dest: name, rule: text}\n    - {source: B, dest: name, rule: text}\n"))
	assert.Error(t, err)
}

func TestOverride(t *testing.T) {
	base, err := Builtin("leads")
	require.NoError(t, err)

	m, err := Override(base, map[string]string{"name": "Client Name", "phone": " Mobile "}, "Lead ID")
	require.NoError(t, err)
	assert.Equal(t, "Lead ID", m.KeyColumn)
	name, _ := m.Column("name")
	assert.Equal(t, "Client Name", name.Source)
	phone, _ := m.Column("phone")
	assert.Equal(t, "Mobile", phone.Source)
	assert.Equal(t, RulePhone, phone.Rule)

	original, _ := base.Column("name")
	assert.Equal(t, "Name", original.Source)

	_, err = Override(base, map[string]string{"shoe_size": "Shoe"}, "")
	assert.True(t, errors.Is(err, ErrUnknownField))
}

func TestMapRowDropsUnparsableCallDate(t *testing.T) {
	m, err := Builtin("cold_calls")
	require.NoError(t, err)

	record, err := MapRow(m, Row{RowNumberKey: "7", "Name": "Asha", "Call Date": "TBD", "Notes": "call after 6"}, Options{})
	require.NoError(t, err)
	assert.Nil(t, record["call_date"])
	assert.Equal(t, "Asha", record["name"])
	assert.Equal(t, "7", record[KeyField])
}
