package store

import "time"

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

// DataSource is a configured spreadsheet connection feeding one CRM table.
type DataSource struct {
	ID                  string
	Name                string
	Kind                string
	SpreadsheetID       string
	SheetName           string
	ObjectKey           string
	TargetTable         string
	KeyColumn           string
	ColumnMapping       map[string]string
	SyncIntervalMinutes int
	AutoSync            bool
	Status              string
	LastSyncedAt        *time.Time
	LastError           string
	CreatedBy           string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

const (
	DataSourceActive    = "active"
	DataSourceSyncing   = "syncing"
	DataSourceConflicts = "conflicts"
	DataSourceError     = "error"
	DataSourcePaused    = "paused"
)

type SyncLog struct {
	ID               int64
	DataSourceID     string
	Direction        string
	Status           string
	RecordsProcessed int
	RecordsInserted  int
	RecordsUpdated   int
	RecordsUnchanged int
	RecordsSkipped   int
	ConflictCount    int
	RecordTable      string
	RecordID         string
	Payload          map[string]any
	ErrorMessage     string
	StartedAt        time.Time
	FinishedAt       *time.Time
}

const (
	SyncDirectionPull = "pull"
	SyncDirectionPush = "push"

	SyncStatusRunning   = "running"
	SyncStatusSuccess   = "success"
	SyncStatusConflicts = "conflicts"
	SyncStatusFailed    = "failed"
	SyncStatusQueued    = "queued"
)

type SyncConflict struct {
	ID           string
	DataSourceID string
	SyncLogID    int64
	TargetTable  string
	RowID        string
	RecordID     string
	CRMData      map[string]any
	SheetData    map[string]any
	FieldDiffs   []string
	Status       string
	Resolution   string
	ResolvedBy   string
	CreatedAt    time.Time
	ResolvedAt   *time.Time
}

type Campaign struct {
	ID               string
	Name             string
	Channel          string
	Subject          string
	Body             string
	TemplateName     string
	TemplateLanguage string
	Status           string
	CreatedBy        string
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

type CampaignLead struct {
	ID         string
	CampaignID string
	LeadID     string
	Name       string
	Phone      string
	Email      string
	Status     string
	Error      string
	SentAt     *time.Time
}

type Message struct {
	ID         string
	LeadID     string
	CampaignID string
	Channel    string
	Direction  string
	Recipient  string
	Body       string
	ExternalID string
	Status     string
	CreatedAt  time.Time
}

type Call struct {
	ID              string
	LeadID          string
	AgentID         string
	Transcript      string
	DurationSeconds int
	Evaluation      map[string]any
	EvaluatedAt     *time.Time
	CreatedAt       time.Time
}

type Task struct {
	ID              string
	LeadID          string
	Title           string
	Description     string
	DueAt           time.Time
	DurationMinutes int
	Status          string
	CalendarEventID string
}
