package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"estatecrm/api/internal/calendar"
	"estatecrm/api/internal/config"
	"estatecrm/api/internal/email"
	"estatecrm/api/internal/evaluate"
	"estatecrm/api/internal/search"
	"estatecrm/api/internal/sheets"
	"estatecrm/api/internal/store"
	"estatecrm/api/internal/whatsapp"
)

// memStore keeps every table in maps so service tests run without Postgres.
type memStore struct {
	mu sync.Mutex

	pingErr    error
	messageErr error
	seq        int

	users         map[string]store.User
	sources       map[string]store.DataSource
	statusHistory []string
	records       map[string]map[string]store.Record
	logs          []store.SyncLog
	conflicts     map[string]store.SyncConflict
	campaigns     map[string]store.Campaign
	campaignLeads []store.CampaignLead
	messages      []store.Message
	calls         map[string]store.Call
	tasks         map[string]store.Task
}

func newMemStore() *memStore {
	m := &memStore{
		users:     map[string]store.User{},
		sources:   map[string]store.DataSource{},
		records:   map[string]map[string]store.Record{},
		conflicts: map[string]store.SyncConflict{},
		campaigns: map[string]store.Campaign{},
		calls:     map[string]store.Call{},
		tasks:     map[string]store.Task{},
	}
	for _, table := range store.RecordTables() {
		m.records[table] = map[string]store.Record{}
	}
	return m
}

func copyRecord(in store.Record) store.Record {
	out := make(store.Record, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

func (m *memStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if strings.EqualFold(user.Email, strings.TrimSpace(email)) {
			return user, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (m *memStore) CreateUser(_ context.Context, user store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

func (m *memStore) ListDataSources(context.Context) ([]store.DataSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.DataSource, 0, len(m.sources))
	for _, ds := range m.sources {
		items = append(items, ds)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (m *memStore) GetDataSource(_ context.Context, id string) (store.DataSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.sources[id]
	if !ok {
		return store.DataSource{}, store.ErrNotFound
	}
	return ds, nil
}

func (m *memStore) CreateDataSource(_ context.Context, ds store.DataSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ds.Status == "" {
		ds.Status = store.DataSourceActive
	}
	m.sources[ds.ID] = ds
	return nil
}

func (m *memStore) UpdateDataSource(_ context.Context, ds store.DataSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.sources[ds.ID]
	if !ok {
		return store.ErrNotFound
	}
	ds.Status = existing.Status
	m.sources[ds.ID] = ds
	return nil
}

func (m *memStore) DeleteDataSource(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.sources, id)
	return nil
}

func (m *memStore) SetDataSourceStatus(_ context.Context, id, status, lastError string, synced bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds := m.sources[id]
	ds.Status = status
	ds.LastError = lastError
	if synced {
		now := time.Now()
		ds.LastSyncedAt = &now
	}
	m.sources[id] = ds
	m.statusHistory = append(m.statusHistory, status)
	return nil
}

func (m *memStore) InsertSyncLog(_ context.Context, entry store.SyncLog) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = int64(len(m.logs) + 1)
	m.logs = append(m.logs, entry)
	return entry.ID, nil
}

func (m *memStore) FinishSyncLog(_ context.Context, entry store.SyncLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.logs {
		if m.logs[i].ID == entry.ID {
			entry.DataSourceID = m.logs[i].DataSourceID
			entry.Direction = m.logs[i].Direction
			entry.RecordTable = m.logs[i].RecordTable
			now := time.Now()
			entry.FinishedAt = &now
			m.logs[i] = entry
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) ListSyncLogs(_ context.Context, id string, _ int) ([]store.SyncLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.SyncLog, 0)
	for _, entry := range m.logs {
		if entry.DataSourceID == id {
			items = append(items, entry)
		}
	}
	return items, nil
}

func (m *memStore) SaveConflicts(_ context.Context, id string, items []store.SyncConflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, c := range m.conflicts {
		if c.DataSourceID == id && c.Status == "open" {
			c.Status = "superseded"
			m.conflicts[key] = c
		}
	}
	for _, item := range items {
		item.DataSourceID = id
		item.Status = "open"
		m.conflicts[item.ID] = item
	}
	return nil
}

func (m *memStore) ListOpenConflicts(_ context.Context, id string) ([]store.SyncConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.SyncConflict, 0)
	for _, c := range m.conflicts {
		if c.DataSourceID == id && c.Status == "open" {
			items = append(items, c)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].RowID < items[j].RowID })
	return items, nil
}

func (m *memStore) GetConflict(_ context.Context, id string) (store.SyncConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[id]
	if !ok {
		return store.SyncConflict{}, store.ErrNotFound
	}
	return c, nil
}

func (m *memStore) MarkConflictResolved(_ context.Context, id, resolution, resolvedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[id]
	if !ok || c.Status != "open" {
		return store.ErrNotFound
	}
	c.Status = "resolved"
	c.Resolution = resolution
	c.ResolvedBy = resolvedBy
	m.conflicts[id] = c
	return nil
}

func (m *memStore) CountOpenConflicts(ctx context.Context, id string) (int, error) {
	items, err := m.ListOpenConflicts(ctx, id)
	return len(items), err
}

func (m *memStore) table(name string) (map[string]store.Record, error) {
	rows, ok := m.records[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrUnknownTable, name)
	}
	return rows, nil
}

func (m *memStore) ListRecords(_ context.Context, table string, _, _ int) ([]store.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, err := m.table(table)
	if err != nil {
		return nil, err
	}
	items := make([]store.Record, 0, len(rows))
	for _, row := range rows {
		items = append(items, copyRecord(row))
	}
	sort.Slice(items, func(i, j int) bool { return fmt.Sprint(items[i]["id"]) < fmt.Sprint(items[j]["id"]) })
	return items, nil
}

func (m *memStore) ListSyncedRecords(ctx context.Context, table, dataSourceID string) ([]store.Record, error) {
	all, err := m.ListRecords(ctx, table, 0, 0)
	if err != nil {
		return nil, err
	}
	items := make([]store.Record, 0, len(all))
	for _, row := range all {
		owner, _ := row[store.DataSourceField].(string)
		if id, _ := row["google_sheet_row_id"].(string); id != "" && owner == dataSourceID {
			items = append(items, row)
		}
	}
	return items, nil
}

func (m *memStore) GetRecord(_ context.Context, table, id string) (store.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, err := m.table(table)
	if err != nil {
		return nil, err
	}
	row, ok := rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyRecord(row), nil
}

func (m *memStore) FindRecords(ctx context.Context, table, column string, value any) ([]store.Record, error) {
	all, err := m.ListRecords(ctx, table, 0, 0)
	if err != nil {
		return nil, err
	}
	items := make([]store.Record, 0)
	for _, row := range all {
		if fmt.Sprint(row[column]) == fmt.Sprint(value) {
			items = append(items, row)
		}
	}
	return items, nil
}

func (m *memStore) InsertRecord(_ context.Context, table string, record store.Record) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, err := m.table(table)
	if err != nil {
		return "", err
	}
	m.seq++
	id := fmt.Sprintf("%s_%d", table, m.seq)
	row := copyRecord(record)
	row["id"] = id
	rows[id] = row
	return id, nil
}

func (m *memStore) UpdateRecord(_ context.Context, table, id string, patch store.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, err := m.table(table)
	if err != nil {
		return err
	}
	row, ok := rows[id]
	if !ok {
		return store.ErrNotFound
	}
	for k, v := range patch {
		row[k] = v
	}
	return nil
}

func (m *memStore) DeleteRecord(_ context.Context, table, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, err := m.table(table)
	if err != nil {
		return err
	}
	if _, ok := rows[id]; !ok {
		return store.ErrNotFound
	}
	delete(rows, id)
	return nil
}

func (m *memStore) GetCampaign(_ context.Context, id string) (store.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return store.Campaign{}, store.ErrNotFound
	}
	return c, nil
}

func (m *memStore) SetCampaignStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.campaigns[id]
	c.Status = status
	m.campaigns[id] = c
	return nil
}

func (m *memStore) ListPendingCampaignLeads(_ context.Context, id string) ([]store.CampaignLead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.CampaignLead, 0)
	for _, cl := range m.campaignLeads {
		if cl.CampaignID == id && cl.Status == "pending" {
			items = append(items, cl)
		}
	}
	return items, nil
}

func (m *memStore) MarkCampaignLead(_ context.Context, id, status, errMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.campaignLeads {
		if m.campaignLeads[i].ID == id {
			m.campaignLeads[i].Status = status
			m.campaignLeads[i].Error = errMessage
		}
	}
	return nil
}

func (m *memStore) InsertMessage(_ context.Context, msg store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.messageErr != nil {
		return m.messageErr
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *memStore) UpdateMessageStatus(_ context.Context, externalID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.messages {
		if m.messages[i].ExternalID == externalID {
			m.messages[i].Status = status
		}
	}
	return nil
}

func (m *memStore) GetCall(_ context.Context, id string) (store.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return store.Call{}, store.ErrNotFound
	}
	return c, nil
}

func (m *memStore) SaveCallEvaluation(_ context.Context, id string, evaluation map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.calls[id]
	c.Evaluation = evaluation
	m.calls[id] = c
	return nil
}

func (m *memStore) GetTask(_ context.Context, id string) (store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return store.Task{}, store.ErrNotFound
	}
	return t, nil
}

func (m *memStore) SetTaskCalendarEvent(_ context.Context, id, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[id]
	t.CalendarEventID = eventID
	m.tasks[id] = t
	return nil
}

// fakeSheets returns table for every data source unless bySheet has an entry for its spreadsheet.
type fakeSheets struct {
	mu      sync.Mutex
	table   sheets.Table
	bySheet map[string]sheets.Table
	err     error
	reads   int
}

func (f *fakeSheets) set(table sheets.Table) {
	f.mu.Lock()
	f.table = table
	f.mu.Unlock()
}

func (f *fakeSheets) Read(_ context.Context, cfg sheets.Config) (sheets.Table, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if table, ok := f.bySheet[cfg.SpreadsheetID]; ok {
		return table, f.err
	}
	return f.table, f.err
}

func (f *fakeSheets) TestConnection(ctx context.Context, cfg sheets.Config) (sheets.Probe, error) {
	table, err := f.Read(ctx, cfg)
	if err != nil {
		return sheets.Probe{}, err
	}
	return sheets.Probe{Headers: table.Headers, RowCount: len(table.Rows)}, nil
}

type fakeSearch struct {
	mu      sync.Mutex
	indexed map[string][]string
	deleted []string
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	return search.Response{Results: []search.Result{{Type: search.ResultLead, ID: "lead_1", Title: q.Text}}, Total: 1, Query: q.Text}
}

func (f *fakeSearch) IndexRecords(table string, records []map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexed == nil {
		f.indexed = map[string][]string{}
	}
	for _, record := range records {
		f.indexed[table] = append(f.indexed[table], fmt.Sprint(record["id"]))
	}
}

func (f *fakeSearch) Delete(table, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, table+"/"+id)
}

type fakeMessenger struct {
	sent        []whatsapp.Outbound
	failFor     map[string]error
	verifyToken string
}

func (f *fakeMessenger) Send(_ context.Context, msg whatsapp.Outbound) (string, error) {
	if err := f.failFor[msg.To]; err != nil {
		return "", err
	}
	f.sent = append(f.sent, msg)
	return fmt.Sprintf("wamid.%d", len(f.sent)), nil
}

func (f *fakeMessenger) Verify(mode, token, challenge string) (string, bool) {
	if mode != "subscribe" || token != f.verifyToken {
		return "", false
	}
	return challenge, true
}

type fakeMailer struct {
	sent []email.Message
}

func (f *fakeMailer) Send(_ context.Context, msg email.Message) (string, error) {
	f.sent = append(f.sent, msg)
	return fmt.Sprintf("re_%d", len(f.sent)), nil
}

type fakeEvaluator struct {
	got evaluate.CallContext
	out evaluate.Evaluation
	err error
}

func (f *fakeEvaluator) Evaluate(_ context.Context, call evaluate.CallContext) (evaluate.Evaluation, error) {
	f.got = call
	return f.out, f.err
}

type fakeCalendar struct {
	events []calendar.Event
}

func (f *fakeCalendar) CreateEvent(_ context.Context, event calendar.Event) (string, error) {
	f.events = append(f.events, event)
	return fmt.Sprintf("evt_%d", len(f.events)), nil
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:          "test-secret",
		AccessTTL:          time.Minute,
		DefaultPhoneRegion: "IN",
		SyncConcurrency:    2,
		SyncLockTTL:        time.Minute,
		ConflictTTL:        time.Hour,
	}
}

func newTestService(st *memStore, integrations Integrations) *Service {
	svc := newService(testConfig(), st, integrations, nil)
	svc.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return svc
}
