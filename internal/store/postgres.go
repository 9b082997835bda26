package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, role, created_at
		FROM users
		WHERE email=LOWER($1)
	`, strings.TrimSpace(email)).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, notFound(err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, role, created_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, notFound(err)
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, role)
		VALUES ($1, LOWER($2), $3, $4, $5)
	`, user.ID, strings.TrimSpace(user.Email), user.DisplayName, user.PasswordHash, user.Role)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

const dataSourceColumns = `
	id, name, kind, spreadsheet_id, sheet_name, object_key, target_table, key_column,
	COALESCE(column_mapping::text, '{}'), sync_interval_minutes, auto_sync, status,
	last_synced_at, COALESCE(last_error, ''), created_by, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDataSource(row rowScanner) (DataSource, error) {
	var (
		item     DataSource
		mapping  string
		lastSync sql.NullTime
	)
	if err := row.Scan(
		&item.ID,
		&item.Name,
		&item.Kind,
		&item.SpreadsheetID,
		&item.SheetName,
		&item.ObjectKey,
		&item.TargetTable,
		&item.KeyColumn,
		&mapping,
		&item.SyncIntervalMinutes,
		&item.AutoSync,
		&item.Status,
		&lastSync,
		&item.LastError,
		&item.CreatedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return DataSource{}, err
	}
	if lastSync.Valid {
		t := lastSync.Time
		item.LastSyncedAt = &t
	}
	item.ColumnMapping = map[string]string{}
	if err := json.Unmarshal([]byte(mapping), &item.ColumnMapping); err != nil {
		return DataSource{}, fmt.Errorf("decode column mapping: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListDataSources(ctx context.Context) ([]DataSource, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+dataSourceColumns+` FROM data_sources ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list data sources: %w", err)
	}
	defer rows.Close()

	items := make([]DataSource, 0)
	for rows.Next() {
		item, err := scanDataSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan data source: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate data sources: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetDataSource(ctx context.Context, id string) (DataSource, error) {
	item, err := scanDataSource(s.db.QueryRowContext(ctx, `SELECT `+dataSourceColumns+` FROM data_sources WHERE id=$1`, id))
	if err != nil {
		return DataSource{}, notFound(err)
	}
	return item, nil
}

func (s *PostgresStore) CreateDataSource(ctx context.Context, item DataSource) error {
	mapping, err := json.Marshal(nonNilMapping(item.ColumnMapping))
	if err != nil {
		return fmt.Errorf("encode column mapping: %w", err)
	}
	if item.Status == "" {
		item.Status = DataSourceActive
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO data_sources (
			id, name, kind, spreadsheet_id, sheet_name, object_key, target_table, key_column,
			column_mapping, sync_interval_minutes, auto_sync, status, created_by
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12, $13)
	`, item.ID, item.Name, item.Kind, item.SpreadsheetID, item.SheetName, item.ObjectKey, item.TargetTable,
		item.KeyColumn, string(mapping), item.SyncIntervalMinutes, item.AutoSync, item.Status, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("create data source: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateDataSource(ctx context.Context, item DataSource) error {
	mapping, err := json.Marshal(nonNilMapping(item.ColumnMapping))
	if err != nil {
		return fmt.Errorf("encode column mapping: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE data_sources
		SET name=$2, kind=$3, spreadsheet_id=$4, sheet_name=$5, object_key=$6, target_table=$7,
			key_column=$8, column_mapping=$9::jsonb, sync_interval_minutes=$10, auto_sync=$11, updated_at=NOW()
		WHERE id=$1
	`, item.ID, item.Name, item.Kind, item.SpreadsheetID, item.SheetName, item.ObjectKey, item.TargetTable,
		item.KeyColumn, string(mapping), item.SyncIntervalMinutes, item.AutoSync)
	if err != nil {
		return fmt.Errorf("update data source: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteDataSource(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM data_sources WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete data source: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDataSourceStatus records the source status. last_synced_at moves only when synced is true.
func (s *PostgresStore) SetDataSourceStatus(ctx context.Context, id, status, lastError string, synced bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE data_sources
		SET status=$2,
			last_error=NULLIF($3, ''),
			last_synced_at=CASE WHEN $4::boolean THEN NOW() ELSE last_synced_at END,
			updated_at=NOW()
		WHERE id=$1
	`, id, status, lastError, synced)
	if err != nil {
		return fmt.Errorf("set data source status: %w", err)
	}
	return nil
}

func nonNilMapping(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func (s *PostgresStore) InsertSyncLog(ctx context.Context, entry SyncLog) (int64, error) {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return 0, fmt.Errorf("encode sync log payload: %w", err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO sync_logs (data_source_id, direction, status, record_table, record_id, payload)
		VALUES (NULLIF($1, ''), $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6::jsonb)
		RETURNING id
	`, entry.DataSourceID, entry.Direction, entry.Status, entry.RecordTable, entry.RecordID, string(payload)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert sync log: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) FinishSyncLog(ctx context.Context, entry SyncLog) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_logs
		SET status=$2,
			records_processed=$3,
			records_inserted=$4,
			records_updated=$5,
			records_unchanged=$6,
			records_skipped=$7,
			conflict_count=$8,
			error_message=NULLIF($9, ''),
			finished_at=NOW()
		WHERE id=$1
	`, entry.ID, entry.Status, entry.RecordsProcessed, entry.RecordsInserted, entry.RecordsUpdated,
		entry.RecordsUnchanged, entry.RecordsSkipped, entry.ConflictCount, entry.ErrorMessage)
	if err != nil {
		return fmt.Errorf("finish sync log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSyncLogs(ctx context.Context, dataSourceID string, limit int) ([]SyncLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(data_source_id, ''), direction, status, records_processed, records_inserted,
			records_updated, records_unchanged, records_skipped, conflict_count,
			COALESCE(record_table, ''), COALESCE(record_id, ''), COALESCE(payload::text, 'null'),
			COALESCE(error_message, ''), started_at, finished_at
		FROM sync_logs
		WHERE data_source_id=$1
		ORDER BY started_at DESC, id DESC
		LIMIT $2
	`, dataSourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync logs: %w", err)
	}
	defer rows.Close()

	items := make([]SyncLog, 0)
	for rows.Next() {
		var (
			item     SyncLog
			payload  string
			finished sql.NullTime
		)
		if err := rows.Scan(
			&item.ID,
			&item.DataSourceID,
			&item.Direction,
			&item.Status,
			&item.RecordsProcessed,
			&item.RecordsInserted,
			&item.RecordsUpdated,
			&item.RecordsUnchanged,
			&item.RecordsSkipped,
			&item.ConflictCount,
			&item.RecordTable,
			&item.RecordID,
			&payload,
			&item.ErrorMessage,
			&item.StartedAt,
			&finished,
		); err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			item.FinishedAt = &t
		}
		if err := json.Unmarshal([]byte(payload), &item.Payload); err != nil {
			return nil, fmt.Errorf("decode sync log payload: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync logs: %w", err)
	}
	return items, nil
}

// SaveConflicts replaces the open conflicts of a data source with the given set.
func (s *PostgresStore) SaveConflicts(ctx context.Context, dataSourceID string, items []SyncConflict) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save conflicts: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE sync_conflicts SET status='superseded', resolved_at=NOW()
		WHERE data_source_id=$1 AND status='open'
	`, dataSourceID); err != nil {
		return fmt.Errorf("supersede conflicts: %w", err)
	}

	for _, item := range items {
		crm, err := json.Marshal(item.CRMData)
		if err != nil {
			return fmt.Errorf("encode crm data: %w", err)
		}
		sheet, err := json.Marshal(item.SheetData)
		if err != nil {
			return fmt.Errorf("encode sheet data: %w", err)
		}
		diffs, err := json.Marshal(item.FieldDiffs)
		if err != nil {
			return fmt.Errorf("encode field diffs: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_conflicts (id, data_source_id, sync_log_id, target_table, row_id, record_id, crm_data, sheet_data, field_diffs, status)
			VALUES ($1, $2, NULLIF($3, 0), $4, $5, $6, $7::jsonb, $8::jsonb, $9::jsonb, 'open')
		`, item.ID, dataSourceID, item.SyncLogID, item.TargetTable, item.RowID, item.RecordID, string(crm), string(sheet), string(diffs)); err != nil {
			return fmt.Errorf("insert conflict: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit conflicts: %w", err)
	}
	return nil
}

const conflictColumns = `
	id, data_source_id, COALESCE(sync_log_id, 0), target_table, row_id, record_id,
	crm_data::text, sheet_data::text, field_diffs::text, status, COALESCE(resolution, ''),
	COALESCE(resolved_by, ''), created_at, resolved_at
`

func scanConflict(row rowScanner) (SyncConflict, error) {
	var (
		item              SyncConflict
		crm, sheet, diffs string
		resolvedAt        sql.NullTime
	)
	if err := row.Scan(
		&item.ID,
		&item.DataSourceID,
		&item.SyncLogID,
		&item.TargetTable,
		&item.RowID,
		&item.RecordID,
		&crm,
		&sheet,
		&diffs,
		&item.Status,
		&item.Resolution,
		&item.ResolvedBy,
		&item.CreatedAt,
		&resolvedAt,
	); err != nil {
		return SyncConflict{}, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		item.ResolvedAt = &t
	}
	if err := json.Unmarshal([]byte(crm), &item.CRMData); err != nil {
		return SyncConflict{}, fmt.Errorf("decode crm data: %w", err)
	}
	if err := json.Unmarshal([]byte(sheet), &item.SheetData); err != nil {
		return SyncConflict{}, fmt.Errorf("decode sheet data: %w", err)
	}
	if err := json.Unmarshal([]byte(diffs), &item.FieldDiffs); err != nil {
		return SyncConflict{}, fmt.Errorf("decode field diffs: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListOpenConflicts(ctx context.Context, dataSourceID string) ([]SyncConflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conflictColumns+`
		FROM sync_conflicts
		WHERE data_source_id=$1 AND status='open'
		ORDER BY created_at ASC, row_id ASC
	`, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	items := make([]SyncConflict, 0)
	for rows.Next() {
		item, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetConflict(ctx context.Context, id string) (SyncConflict, error) {
	item, err := scanConflict(s.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts WHERE id=$1`, id))
	if err != nil {
		return SyncConflict{}, notFound(err)
	}
	return item, nil
}

func (s *PostgresStore) MarkConflictResolved(ctx context.Context, id, resolution, resolvedBy string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_conflicts
		SET status='resolved', resolution=$2, resolved_by=NULLIF($3, ''), resolved_at=NOW()
		WHERE id=$1 AND status='open'
	`, id, resolution, resolvedBy)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CountOpenConflicts(ctx context.Context, dataSourceID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_conflicts WHERE data_source_id=$1 AND status='open'`, dataSourceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count conflicts: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	var (
		item               Campaign
		started, completed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, channel, COALESCE(subject, ''), COALESCE(body, ''), COALESCE(template_name, ''),
			COALESCE(template_language, ''), status, COALESCE(created_by, ''), created_at, started_at, completed_at
		FROM campaigns
		WHERE id=$1
	`, id).Scan(
		&item.ID,
		&item.Name,
		&item.Channel,
		&item.Subject,
		&item.Body,
		&item.TemplateName,
		&item.TemplateLanguage,
		&item.Status,
		&item.CreatedBy,
		&item.CreatedAt,
		&started,
		&completed,
	)
	if err != nil {
		return Campaign{}, notFound(err)
	}
	if started.Valid {
		t := started.Time
		item.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		item.CompletedAt = &t
	}
	return item, nil
}

func (s *PostgresStore) SetCampaignStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status=$2,
			started_at=CASE WHEN $2='sending' THEN COALESCE(started_at, NOW()) ELSE started_at END,
			completed_at=CASE WHEN $2 LIKE 'completed%' THEN NOW() ELSE completed_at END
		WHERE id=$1
	`, id, status)
	if err != nil {
		return fmt.Errorf("set campaign status: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPendingCampaignLeads(ctx context.Context, campaignID string) ([]CampaignLead, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cl.id, cl.campaign_id, cl.lead_id, COALESCE(l.name, ''), COALESCE(l.phone, ''), COALESCE(l.email, ''), cl.status
		FROM campaign_leads cl
		JOIN leads l ON l.id = cl.lead_id
		WHERE cl.campaign_id=$1 AND cl.status='pending'
		ORDER BY cl.created_at ASC, cl.id ASC
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list campaign leads: %w", err)
	}
	defer rows.Close()

	items := make([]CampaignLead, 0)
	for rows.Next() {
		var item CampaignLead
		if err := rows.Scan(&item.ID, &item.CampaignID, &item.LeadID, &item.Name, &item.Phone, &item.Email, &item.Status); err != nil {
			return nil, fmt.Errorf("scan campaign lead: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate campaign leads: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkCampaignLead(ctx context.Context, id, status, errMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaign_leads
		SET status=$2, error=NULLIF($3, ''), sent_at=CASE WHEN $2='sent' THEN NOW() ELSE sent_at END
		WHERE id=$1
	`, id, status, errMessage)
	if err != nil {
		return fmt.Errorf("mark campaign lead: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, item Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, lead_id, campaign_id, channel, direction, recipient, body, external_id, status)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, NULLIF($8, ''), $9)
	`, item.ID, item.LeadID, item.CampaignID, item.Channel, item.Direction, item.Recipient, item.Body, item.ExternalID, item.Status)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// UpdateMessageStatus applies a provider delivery receipt keyed by the provider message id.
func (s *PostgresStore) UpdateMessageStatus(ctx context.Context, externalID, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET status=$2 WHERE external_id=$1`, externalID, status)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCall(ctx context.Context, id string) (Call, error) {
	var (
		item       Call
		evaluation string
		evaluated  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(lead_id, ''), COALESCE(agent_id, ''), COALESCE(transcript, ''), duration_seconds,
			COALESCE(evaluation::text, 'null'), evaluated_at, created_at
		FROM calls
		WHERE id=$1
	`, id).Scan(&item.ID, &item.LeadID, &item.AgentID, &item.Transcript, &item.DurationSeconds, &evaluation, &evaluated, &item.CreatedAt)
	if err != nil {
		return Call{}, notFound(err)
	}
	if evaluated.Valid {
		t := evaluated.Time
		item.EvaluatedAt = &t
	}
	if err := json.Unmarshal([]byte(evaluation), &item.Evaluation); err != nil {
		return Call{}, fmt.Errorf("decode evaluation: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) SaveCallEvaluation(ctx context.Context, id string, evaluation map[string]any) error {
	raw, err := json.Marshal(evaluation)
	if err != nil {
		return fmt.Errorf("encode evaluation: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE calls SET evaluation=$2::jsonb, evaluated_at=NOW() WHERE id=$1`, id, string(raw))
	if err != nil {
		return fmt.Errorf("save evaluation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (Task, error) {
	var item Task
	err := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(lead_id, ''), title, COALESCE(description, ''), due_at, duration_minutes, status,
			COALESCE(calendar_event_id, '')
		FROM tasks
		WHERE id=$1
	`, id).Scan(&item.ID, &item.LeadID, &item.Title, &item.Description, &item.DueAt, &item.DurationMinutes, &item.Status, &item.CalendarEventID)
	if err != nil {
		return Task{}, notFound(err)
	}
	return item, nil
}

func (s *PostgresStore) SetTaskCalendarEvent(ctx context.Context, id, eventID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET calendar_event_id=$2, updated_at=NOW() WHERE id=$1`, id, eventID)
	if err != nil {
		return fmt.Errorf("set task calendar event: %w", err)
	}
	return nil
}
