package app

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estatecrm/api/internal/conflicts"
	"estatecrm/api/internal/sheets"
	"estatecrm/api/internal/store"
	"estatecrm/api/internal/syncmap"
)

var propertyHeaders = []string{"Title", "Property Type", "Status", "Price", "Area", "Bedrooms", "Amenities"}

func propertyRow(number, title, status, price string) syncmap.Row {
	return syncmap.Row{
		syncmap.RowNumberKey: number,
		"Title":              title,
		"Property Type":      "Flat",
		"Status":             status,
		"Price":              price,
		"Area":               "950",
		"Bedrooms":           "2",
		"Amenities":          "Gym, Pool",
	}
}

func propertySheet(rows ...syncmap.Row) sheets.Table {
	return sheets.Table{Headers: propertyHeaders, Rows: rows}
}

func seedPropertySource(st *memStore, id string) {
	st.sources[id] = store.DataSource{
		ID:          id,
		Name:        "Listings",
		Kind:        sheets.KindGoogle,
		TargetTable: "properties",
		AutoSync:    true,
		Status:      store.DataSourceActive,
	}
}

func newRedisCache(t *testing.T) *conflicts.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return conflicts.NewRedisStoreWithClient(client)
}

func requireDomainStatus(t *testing.T, err error, status int) *DomainError {
	t.Helper()
	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, status, domainErr.Status)
	return domainErr
}

func onlyRecord(t *testing.T, st *memStore, table string) store.Record {
	t.Helper()
	records, err := st.ListRecords(context.Background(), table, 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	return records[0]
}

func TestPullSyncInsertsNewRowsAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	seedPropertySource(st, "ds_1")
	sheet := &fakeSheets{table: propertySheet(propertyRow("2", "Sea View", "For Sale", "₹1,200,000"))}
	index := &fakeSearch{}
	svc := newTestService(st, Integrations{Sheets: sheet, Search: index})

	result, err := svc.PullSync(ctx, "ds_1", PullOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.RecordsProcessed)
	assert.Equal(t, 1, result.RecordsInserted)
	assert.Empty(t, result.Conflicts)

	record := onlyRecord(t, st, "properties")
	assert.Equal(t, "2", record[syncmap.KeyField])
	assert.Equal(t, 1200000.0, record["price"])
	assert.Equal(t, "apartment", record["property_type"])
	assert.Equal(t, "available", record["status"])
	assert.Equal(t, []string{"Gym", "Pool"}, record["amenities"])
	assert.Equal(t, []string{record["id"].(string)}, index.indexed["properties"])

	assert.Equal(t, store.DataSourceActive, st.sources["ds_1"].Status)
	assert.NotNil(t, st.sources["ds_1"].LastSyncedAt)
	require.Len(t, st.logs, 1)
	assert.Equal(t, store.SyncStatusSuccess, st.logs[0].Status)
	assert.Equal(t, store.SyncDirectionPull, st.logs[0].Direction)

	again, err := svc.PullSync(ctx, "ds_1", PullOptions{})
	require.NoError(t, err)
	assert.Zero(t, again.RecordsInserted)
	assert.Zero(t, again.RecordsUpdated)
	assert.Equal(t, 1, again.RecordsUnchanged)
	assert.Empty(t, again.Conflicts)
	assert.Len(t, st.records["properties"], 1)
}

func TestPullSyncConflictRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	seedPropertySource(st, "ds_1")
	sheet := &fakeSheets{table: propertySheet(propertyRow("2", "Sea View", "Available", "1200000"))}
	cache := newRedisCache(t)
	svc := newTestService(st, Integrations{Sheets: sheet, Conflicts: cache})

	_, err := svc.PullSync(ctx, "ds_1", PullOptions{})
	require.NoError(t, err)
	recordID := onlyRecord(t, st, "properties")["id"].(string)

	sheet.set(propertySheet(propertyRow("2", "Sea View", "Sold", "1,350,000")))
	result, err := svc.PullSync(ctx, "ds_1", PullOptions{})
	require.NoError(t, err)
	require.Len(t, result.Conflicts, 1)
	conflict := result.Conflicts[0]
	assert.Equal(t, "2", conflict.RowID)
	assert.Equal(t, recordID, conflict.RecordID)
	assert.Equal(t, []string{"status", "price"}, conflict.FieldDiffs)
	assert.Zero(t, result.RecordsUpdated)

	// nothing is written until someone resolves the conflict
	assert.Equal(t, 1200000.0, onlyRecord(t, st, "properties")["price"])
	assert.Equal(t, store.DataSourceConflicts, st.sources["ds_1"].Status)
	assert.Equal(t, store.SyncStatusConflicts, st.logs[1].Status)
	assert.Equal(t, 1, st.logs[1].ConflictCount)

	pending, err := svc.ListConflicts(ctx, "ds_1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, conflict.ConflictID, pending[0].ConflictID)

	resolved, err := svc.ResolveConflict(ctx, ResolveInput{ConflictID: conflict.ConflictID, Choice: syncmap.KeepSheet}, "usr_1")
	require.NoError(t, err)
	assert.Zero(t, resolved.Remaining)
	assert.ElementsMatch(t, []string{"status", "price"}, keys(resolved.Applied))

	record := onlyRecord(t, st, "properties")
	assert.Equal(t, "sold", record["status"])
	assert.Equal(t, 1350000.0, record["price"])
	assert.Equal(t, "Sea View", record["title"])
	assert.Equal(t, store.DataSourceActive, st.sources["ds_1"].Status)
	assert.Equal(t, "resolved", st.conflicts[conflict.ConflictID].Status)
	assert.Equal(t, "usr_1", st.conflicts[conflict.ConflictID].ResolvedBy)

	left, err := cache.Pending(ctx, "ds_1")
	require.NoError(t, err)
	assert.Empty(t, left)

	final, err := svc.PullSync(ctx, "ds_1", PullOptions{})
	require.NoError(t, err)
	assert.Empty(t, final.Conflicts)
	assert.Equal(t, 1, final.RecordsUnchanged)
}

func keys(record syncmap.Record) []string {
	out := make([]string, 0, len(record))
	for k := range record {
		out = append(out, k)
	}
	return out
}

func TestResolveConflictMergeAndKeepCRM(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	seedPropertySource(st, "ds_1")
	sheet := &fakeSheets{table: propertySheet(
		propertyRow("2", "Sea View", "Available", "1200000"),
		propertyRow("3", "Hill Top", "Available", "900000"),
	)}
	svc := newTestService(st, Integrations{Sheets: sheet})

	_, err := svc.PullSync(ctx, "ds_1", PullOptions{})
	require.NoError(t, err)

	sheet.set(propertySheet(
		propertyRow("2", "Sea View", "Sold", "1,350,000"),
		propertyRow("3", "Hill Top Villa", "Available", "900000"),
	))
	result, err := svc.PullSync(ctx, "ds_1", PullOptions{})
	require.NoError(t, err)
	require.Len(t, result.Conflicts, 2)

	byRow := map[string]conflicts.Entry{}
	for _, entry := range result.Conflicts {
		byRow[entry.RowID] = entry
	}

	_, err = svc.ResolveConflict(ctx, ResolveInput{
		ConflictID: byRow["2"].ConflictID,
		Choice:     syncmap.Merge,
		Fields: map[string]syncmap.FieldChoice{
			"price":  {Keep: "custom", Value: "1,300,000"},
			"status": {Keep: "crm"},
		},
	}, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, store.DataSourceConflicts, st.sources["ds_1"].Status, "one conflict still open")

	first := st.records["properties"][byRow["2"].RecordID]
	assert.Equal(t, 1300000.0, first["price"])
	assert.Equal(t, "available", first["status"])

	res, err := svc.ResolveConflict(ctx, ResolveInput{ConflictID: byRow["3"].ConflictID, Choice: syncmap.KeepCRM}, "usr_1")
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.Equal(t, "Hill Top", st.records["properties"][byRow["3"].RecordID]["title"])
	assert.Equal(t, store.DataSourceActive, st.sources["ds_1"].Status)

	_, err = svc.ResolveConflict(ctx, ResolveInput{ConflictID: byRow["3"].ConflictID, Choice: syncmap.KeepCRM}, "usr_1")
	requireDomainStatus(t, err, http.StatusConflict)
}

func TestResolveConflictRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	seedPropertySource(st, "ds_1")
	sheet := &fakeSheets{table: propertySheet(propertyRow("2", "Sea View", "Available", "1200000"))}
	svc := newTestService(st, Integrations{Sheets: sheet})

	_, err := svc.PullSync(ctx, "ds_1", PullOptions{})
	require.NoError(t, err)
	sheet.set(propertySheet(propertyRow("2", "Sea View", "Sold", "1200000")))
	result, err := svc.PullSync(ctx, "ds_1", PullOptions{})
	require.NoError(t, err)
	require.Len(t, result.Conflicts, 1)
	id := result.Conflicts[0].ConflictID

	_, err = svc.ResolveConflict(ctx, ResolveInput{ConflictID: id, Choice: "overwrite"}, "usr_1")
	requireDomainStatus(t, err, http.StatusBadRequest)

	_, err = svc.ResolveConflict(ctx, ResolveInput{
		ConflictID: id,
		Choice:     syncmap.Merge,
		Fields:     map[string]syncmap.FieldChoice{"title": {Keep: "sheet"}},
	}, "usr_1")
	requireDomainStatus(t, err, http.StatusBadRequest)

	_, err = svc.ResolveConflict(ctx, ResolveInput{ConflictID: "cf_missing", Choice: syncmap.KeepSheet}, "usr_1")
	requireDomainStatus(t, err, http.StatusNotFound)

	assert.Equal(t, "open", st.conflicts[id].Status)
}

func TestPullSyncForceOverwritesDifferences(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	seedPropertySource(st, "ds_1")
	sheet := &fakeSheets{table: propertySheet(propertyRow("2", "Sea View", "Available", "1200000"))}
	svc := newTestService(st, Integrations{Sheets: sheet})

	_, err := svc.PullSync(ctx, "ds_1", PullOptions{})
	require.NoError(t, err)

	sheet.set(propertySheet(propertyRow("2", "Sea View", "Sold", "1200000")))
	result, err := svc.PullSync(ctx, "ds_1", PullOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result.RecordsUpdated)
	assert.Empty(t, result.Conflicts)
	assert.Equal(t, "sold", onlyRecord(t, st, "properties")["status"])
	assert.Equal(t, store.DataSourceActive, st.sources["ds_1"].Status)
}

func TestPullSyncKeepsSourcesSharingATableApart(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	seedPropertySource(st, "ds_a")
	seedPropertySource(st, "ds_b")
	for _, id := range []string{"ds_a", "ds_b"} {
		ds := st.sources[id]
		ds.SpreadsheetID = "sheet_" + id
		st.sources[id] = ds
	}
	sheet := &fakeSheets{bySheet: map[string]sheets.Table{
		"sheet_ds_a": propertySheet(propertyRow("2", "Sea View", "Available", "1200000")),
		"sheet_ds_b": propertySheet(propertyRow("2", "Hill Villa Other Agency", "Available", "9000000")),
	}}
	svc := newTestService(st, Integrations{Sheets: sheet})

	_, err := svc.PullSync(ctx, "ds_a", PullOptions{})
	require.NoError(t, err)
	second, err := svc.PullSync(ctx, "ds_b", PullOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, second.RecordsInserted)
	assert.Empty(t, second.Conflicts)

	forced, err := svc.PullSync(ctx, "ds_b", PullOptions{Force: true})
	require.NoError(t, err)
	assert.Zero(t, forced.RecordsUpdated)
	assert.Equal(t, 1, forced.RecordsUnchanged)

	records, err := st.ListRecords(ctx, "properties", 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	byOwner := map[string]store.Record{}
	for _, record := range records {
		byOwner[record[store.DataSourceField].(string)] = record
	}
	assert.Equal(t, "Sea View", byOwner["ds_a"]["title"])
	assert.Equal(t, 1200000.0, byOwner["ds_a"]["price"])
	assert.Equal(t, "Hill Villa Other Agency", byOwner["ds_b"]["title"])
}

func TestPullSyncFailureMarksSourceAndLog(t *testing.T) {
	st := newMemStore()
	seedPropertySource(st, "ds_1")
	sheet := &fakeSheets{err: errors.New("quota exceeded")}
	svc := newTestService(st, Integrations{Sheets: sheet})

	_, err := svc.PullSync(context.Background(), "ds_1", PullOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")

	assert.Equal(t, store.DataSourceError, st.sources["ds_1"].Status)
	assert.Contains(t, st.sources["ds_1"].LastError, "quota exceeded")
	require.Len(t, st.logs, 1)
	assert.Equal(t, store.SyncStatusFailed, st.logs[0].Status)
	assert.Equal(t, []string{store.DataSourceSyncing, store.DataSourceError}, st.statusHistory)
}

func TestPullSyncSingleFlight(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	seedPropertySource(st, "ds_1")
	sheet := &fakeSheets{table: propertySheet()}

	t.Run("local lock", func(t *testing.T) {
		svc := newTestService(st, Integrations{Sheets: sheet})
		release, err := svc.acquirePullLock(ctx, "ds_1")
		require.NoError(t, err)
		_, err = svc.PullSync(ctx, "ds_1", PullOptions{})
		requireDomainStatus(t, err, http.StatusConflict)
		release()

		_, err = svc.PullSync(ctx, "ds_1", PullOptions{})
		require.NoError(t, err)
	})

	t.Run("redis lock", func(t *testing.T) {
		cache := newRedisCache(t)
		svc := newTestService(st, Integrations{Sheets: sheet, Conflicts: cache})
		release, err := cache.AcquirePullLock(ctx, "ds_1", 0)
		require.NoError(t, err)
		_, err = svc.PullSync(ctx, "ds_1", PullOptions{})
		requireDomainStatus(t, err, http.StatusConflict)
		release()
	})
}

func TestPullSyncUnknownSource(t *testing.T) {
	svc := newTestService(newMemStore(), Integrations{Sheets: &fakeSheets{}})
	_, err := svc.PullSync(context.Background(), "ds_missing", PullOptions{})
	requireDomainStatus(t, err, http.StatusNotFound)

	_, err = svc.PullSync(context.Background(), " ", PullOptions{})
	requireDomainStatus(t, err, http.StatusBadRequest)
}

func TestPullAllSkipsPausedAndManualSources(t *testing.T) {
	st := newMemStore()
	seedPropertySource(st, "ds_1")
	seedPropertySource(st, "ds_2")
	paused := st.sources["ds_2"]
	paused.Status = store.DataSourcePaused
	st.sources["ds_2"] = paused
	seedPropertySource(st, "ds_3")
	manual := st.sources["ds_3"]
	manual.AutoSync = false
	st.sources["ds_3"] = manual

	sheet := &fakeSheets{table: propertySheet(propertyRow("2", "Sea View", "Available", "1200000"))}
	svc := newTestService(st, Integrations{Sheets: sheet})

	outcomes, err := svc.PullAll(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "ds_1", outcomes[0].DataSourceID)
	require.NotNil(t, outcomes[0].Result)
	assert.Equal(t, 1, outcomes[0].Result.RecordsInserted)
	assert.Empty(t, outcomes[0].Error)
}

func TestQueuePush(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	seedPropertySource(st, "ds_1")
	st.records["properties"]["prop_1"] = store.Record{"id": "prop_1", "title": "Sea View", syncmap.KeyField: "2"}
	st.records["properties"]["prop_2"] = store.Record{"id": "prop_2", "title": "Manual entry"}
	st.records["leads"]["lead_1"] = store.Record{"id": "lead_1", syncmap.KeyField: "4"}
	svc := newTestService(st, Integrations{})

	entry, err := svc.QueuePush(ctx, "properties", "prop_1", "ds_1")
	require.NoError(t, err)
	assert.Equal(t, store.SyncDirectionPush, entry.Direction)
	assert.Equal(t, store.SyncStatusQueued, entry.Status)
	assert.Equal(t, "Sea View", entry.Payload["title"])
	require.Len(t, st.logs, 1)
	assert.Equal(t, store.SyncStatusQueued, st.logs[0].Status)

	_, err = svc.QueuePush(ctx, "properties", "prop_2", "ds_1")
	requireDomainStatus(t, err, http.StatusBadRequest)

	_, err = svc.QueuePush(ctx, "leads", "lead_1", "ds_1")
	requireDomainStatus(t, err, http.StatusBadRequest)

	st.records["properties"]["prop_3"] = store.Record{"id": "prop_3", syncmap.KeyField: "2", store.DataSourceField: "ds_other"}
	_, err = svc.QueuePush(ctx, "properties", "prop_3", "ds_1")
	requireDomainStatus(t, err, http.StatusBadRequest)

	_, err = svc.QueuePush(ctx, "properties", "prop_missing", "ds_1")
	requireDomainStatus(t, err, http.StatusNotFound)
	assert.Len(t, st.logs, 1)
}

func TestTestDataSource(t *testing.T) {
	st := newMemStore()
	seedPropertySource(st, "ds_1")
	svc := newTestService(st, Integrations{Sheets: &fakeSheets{table: propertySheet(
		propertyRow("2", "A", "Available", "1"),
		propertyRow("3", "B", "Available", "2"),
	)}})

	probe, err := svc.TestDataSource(context.Background(), "ds_1")
	require.NoError(t, err)
	assert.Equal(t, propertyHeaders, probe.Headers)
	assert.Equal(t, 2, probe.RowCount)

	failing := newTestService(st, Integrations{Sheets: &fakeSheets{err: errors.New("403 from sheets")}})
	_, err = failing.TestDataSource(context.Background(), "ds_1")
	requireDomainStatus(t, err, http.StatusBadGateway)
}
