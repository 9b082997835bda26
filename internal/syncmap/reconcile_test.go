package syncmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func propertyMapping(t *testing.T) Mapping {
	t.Helper()
	m, err := Builtin("properties")
	require.NoError(t, err)
	return m
}

func sheetRow(number string, values map[string]string) Row {
	row := Row{RowNumberKey: number}
	for k, v := range values {
		row[k] = v
	}
	return row
}

func baseSheetValues() map[string]string {
	return map[string]string{
		"Title":         "Sea View 2BHK",
		"Property Type": "Flat",
		"Status":        "For Sale",
		"Price":         "1,200,000",
		"Area":          "950",
		"Bedrooms":      "2",
		"Bathrooms":     "2",
		"Location":      "Bandra",
		"Address":       "12 Hill Road",
		"Amenities":     "Gym, Pool",
		"Owner Name":    "R. Mehta",
		"Owner Phone":   "",
	}
}

// destFromSheet builds the CRM row a previous pull would have written for the same sheet row.
func destFromSheet(t *testing.T, m Mapping, id string, row Row) Record {
	t.Helper()
	rec, err := MapRow(m, row, Options{})
	require.NoError(t, err)
	rec["id"] = id
	return rec
}

func TestReconcileMatchingRowNeedsNoWrite(t *testing.T) {
	m := propertyMapping(t)
	row := sheetRow("2", baseSheetValues())
	dest := destFromSheet(t, m, "prop_1", row)

	plan, err := Reconcile([]Row{row}, []Record{dest}, m, Options{})
	require.NoError(t, err)

	assert.Empty(t, plan.Inserts)
	assert.Empty(t, plan.Updates)
	assert.Empty(t, plan.Conflicts)
	assert.Equal(t, 1, plan.Unchanged)
}

func TestReconcileMatchesTypedDestinationValues(t *testing.T) {
	m := propertyMapping(t)
	row := sheetRow("2", baseSheetValues())
	// values as they come back from Postgres
	dest := Record{
		"id":            "prop_1",
		KeyField:        "2",
		"title":         "Sea View 2BHK",
		"property_type": "apartment",
		"status":        "available",
		"price":         float64(1200000),
		"area_sqft":     float64(950),
		"bedrooms":      int64(2),
		"bathrooms":     int64(2),
		"location":      "Bandra",
		"address":       "12 Hill Road",
		"amenities":     []string{"Gym", "Pool"},
		"owner_name":    "R. Mehta",
		"owner_phone":   nil,
	}

	plan, err := Reconcile([]Row{row}, []Record{dest}, m, Options{})
	require.NoError(t, err)
	assert.Empty(t, plan.Conflicts)
	assert.Equal(t, 1, plan.Unchanged)
}

func TestReconcileInsertsUnknownRow(t *testing.T) {
	m := propertyMapping(t)
	row := sheetRow("7", baseSheetValues())

	plan, err := Reconcile([]Row{row}, nil, m, Options{})
	require.NoError(t, err)
	require.Len(t, plan.Inserts, 1)

	want := Record{
		KeyField:        "7",
		"title":         "Sea View 2BHK",
		"property_type": "apartment",
		"status":        "available",
		"price":         float64(1200000),
		"area_sqft":     float64(950),
		"bedrooms":      int64(2),
		"bathrooms":     int64(2),
		"location":      "Bandra",
		"address":       "12 Hill Road",
		"amenities":     []string{"Gym", "Pool"},
		"owner_name":    "R. Mehta",
		"owner_phone":   nil,
	}
	if diff := cmp.Diff(want, plan.Inserts[0]); diff != "" {
		t.Fatalf("insert mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, plan.Conflicts)
	assert.Equal(t, 0, plan.Unchanged)
}

func TestReconcileConflictListsExactlyDifferingFields(t *testing.T) {
	m := propertyMapping(t)
	original := sheetRow("3", baseSheetValues())
	dest := destFromSheet(t, m, "prop_9", original)

	changed := baseSheetValues()
	changed["Price"] = "1,350,000"
	changed["Status"] = "Sold"
	row := sheetRow("3", changed)

	plan, err := Reconcile([]Row{row}, []Record{dest}, m, Options{})
	require.NoError(t, err)
	require.Len(t, plan.Conflicts, 1)
	assert.Empty(t, plan.Inserts)
	assert.Empty(t, plan.Updates)

	conflict := plan.Conflicts[0]
	assert.Equal(t, "3", conflict.RowID)
	assert.Equal(t, "prop_9", conflict.RecordID)
	assert.Equal(t, []string{"status", "price"}, conflict.FieldDiffs)
	assert.Equal(t, float64(1200000), conflict.Dest["price"])
	assert.Equal(t, float64(1350000), conflict.Source["price"])
	assert.Equal(t, "sold", conflict.Source["status"])
}

func TestReconcilePreferSheetProducesUpdates(t *testing.T) {
	m := propertyMapping(t)
	dest := destFromSheet(t, m, "prop_2", sheetRow("4", baseSheetValues()))
	changed := baseSheetValues()
	changed["Location"] = "Juhu"

	plan, err := Reconcile([]Row{sheetRow("4", changed)}, []Record{dest}, m, Options{Prefer: PreferSheet})
	require.NoError(t, err)
	assert.Empty(t, plan.Conflicts)
	require.Len(t, plan.Updates, 1)
	assert.Equal(t, Update{ID: "prop_2", RowID: "4", Values: Record{"location": "Juhu"}}, plan.Updates[0])
}

func TestReconcileSkipsBlankAndDuplicateRowIDs(t *testing.T) {
	m := propertyMapping(t)
	m.KeyColumn = "Listing ID"

	values := baseSheetValues()
	first := Row{"Listing ID": "L-1"}
	dup := Row{"Listing ID": "L-1"}
	blank := Row{"Listing ID": "  "}
	for k, v := range values {
		first[k], dup[k], blank[k] = v, v, v
	}

	plan, err := Reconcile([]Row{first, dup, blank}, nil, m, Options{})
	require.NoError(t, err)
	require.Len(t, plan.Inserts, 1)
	assert.Equal(t, "L-1", plan.Inserts[0][KeyField])
	assert.Equal(t, 2, plan.Skipped)
	assert.Equal(t, 3, plan.Processed())
}

func TestReconcileIsIdempotent(t *testing.T) {
	m := propertyMapping(t)
	rows := []Row{
		sheetRow("2", baseSheetValues()),
		sheetRow("3", map[string]string{"Title": "Plot near highway", "Property Type": "Land", "Price": "45 lakh"}),
	}

	first, err := Reconcile(rows, nil, m, Options{})
	require.NoError(t, err)
	require.Len(t, first.Inserts, 2)

	// apply the inserts the way the store would
	dest := make([]Record, 0, len(first.Inserts))
	for i, rec := range first.Inserts {
		applied := Record{"id": "prop_" + string(rune('a'+i))}
		for k, v := range rec {
			applied[k] = v
		}
		dest = append(dest, applied)
	}

	second, err := Reconcile(rows, dest, m, Options{})
	require.NoError(t, err)
	assert.Empty(t, second.Inserts)
	assert.Empty(t, second.Updates)
	assert.Empty(t, second.Conflicts)
	assert.Equal(t, 2, second.Unchanged)
}

func TestMapRowMatchesHeadersLoosely(t *testing.T) {
	m := propertyMapping(t)
	rec, err := MapRow(m, Row{" price ": "2,50,000", "TITLE": "Shop", RowNumberKey: "9"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, float64(250000), rec["price"])
	assert.Equal(t, "Shop", rec["title"])
	assert.Equal(t, "9", rec[KeyField])
}

func TestCanonical(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{"nil", nil, ""},
		{"integral float", float64(1200000), "1200000"},
		{"fraction", 12.5, "12.5"},
		{"int64", int64(3), "3"},
		{"bytes", []byte(" x "), "x"},
		{"string list", []string{"a", "b"}, "a,b"},
		{"any list", []any{"a", float64(2)}, "a,2"},
		{"bool", true, "true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Canonical(tt.value))
		})
	}
}
