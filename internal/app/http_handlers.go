package app

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"estatecrm/api/internal/rbac"
	"estatecrm/api/internal/search"
	"estatecrm/api/internal/store"
	"estatecrm/api/internal/syncmap"
)

const maxWorkbookBytes = 20 << 20

type sheetsSyncRequest struct {
	Action       string                         `json:"action"`
	DataSourceID string                         `json:"dataSourceId"`
	ConflictID   string                         `json:"conflictId"`
	Choice       syncmap.Choice                 `json:"choice"`
	Fields       map[string]syncmap.FieldChoice `json:"fields"`
	Table        string                         `json:"table"`
	RecordID     string                         `json:"recordId"`
}

var sheetsSyncPermissions = map[string]rbac.Action{
	"pull":       rbac.ActionWrite,
	"pull_force": rbac.ActionManageSources,
	"pull_all":   rbac.ActionManageSources,
	"push":       rbac.ActionWrite,
	"test":       rbac.ActionRead,
	"conflicts":  rbac.ActionRead,
	"resolve":    rbac.ActionManageSources,
}

func (s *HTTPServer) handleSheetsSync(w http.ResponseWriter, r *http.Request, session Session) {
	var body sheetsSyncRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	action, ok := sheetsSyncPermissions[body.Action]
	if !ok {
		writeError(w, http.StatusBadRequest, "UNKNOWN_ACTION", "Unknown action "+strconv.Quote(body.Action), nil)
		return
	}
	if !s.service.Can(session.Role, action) {
		s.forbid(w, r, session, action)
		return
	}

	ctx := r.Context()
	switch body.Action {
	case "pull", "pull_force":
		result, err := s.service.PullSync(ctx, body.DataSourceID, PullOptions{Force: body.Action == "pull_force"})
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Success bool `json:"success"`
			SyncResult
		}{true, result})
	case "pull_all":
		outcomes, err := s.service.PullAll(ctx)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "results": outcomes})
	case "push":
		entry, err := s.service.QueuePush(ctx, body.Table, body.RecordID, body.DataSourceID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "queued": true, "syncLog": syncLogJSON(entry)})
	case "test":
		probe, err := s.service.TestDataSource(ctx, body.DataSourceID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "headers": probe.Headers, "row_count": probe.RowCount})
	case "conflicts":
		entries, err := s.service.ListConflicts(ctx, body.DataSourceID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "conflicts": entries})
	case "resolve":
		result, err := s.service.ResolveConflict(ctx, ResolveInput{
			ConflictID: body.ConflictID,
			Choice:     body.Choice,
			Fields:     body.Fields,
		}, session.UserID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Success bool `json:"success"`
			ResolveResult
		}{true, result})
	}
}

func (s *HTTPServer) handleEvaluateCall(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		CallID string `json:"callId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	evaluation, err := s.service.EvaluateCall(r.Context(), body.CallID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "evaluation": evaluation})
}

func (s *HTTPServer) handleSendCampaign(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		CampaignID string `json:"campaignId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.SendCampaign(r.Context(), body.CampaignID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		CampaignResult
	}{true, result})
}

func (s *HTTPServer) handleScheduleTask(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		TaskID string `json:"taskId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	eventID, err := s.service.ScheduleTask(r.Context(), body.TaskID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "eventId": eventID})
}

func (s *HTTPServer) handleListDataSources(w http.ResponseWriter, r *http.Request, session Session) {
	sources, err := s.service.ListDataSources(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(sources))
	for _, ds := range sources {
		items = append(items, dataSourceJSON(ds))
	}
	writeJSON(w, http.StatusOK, map[string]any{"dataSources": items})
}

func (s *HTTPServer) handleCreateDataSource(w http.ResponseWriter, r *http.Request, session Session) {
	var body DataSourceInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	ds, err := s.service.CreateDataSource(r.Context(), body, session.UserID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"dataSource": dataSourceJSON(ds)})
}

func (s *HTTPServer) handleGetDataSource(w http.ResponseWriter, r *http.Request, session Session) {
	ds, err := s.service.GetDataSource(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dataSource": dataSourceJSON(ds)})
}

func (s *HTTPServer) handleUpdateDataSource(w http.ResponseWriter, r *http.Request, session Session) {
	var body DataSourceInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	ds, err := s.service.UpdateDataSource(r.Context(), mux.Vars(r)["id"], body)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dataSource": dataSourceJSON(ds)})
}

func (s *HTTPServer) handleDeleteDataSource(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.DeleteDataSource(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleUploadWorkbook accepts either a multipart "file" field or the raw workbook as the body.
func (s *HTTPServer) handleUploadWorkbook(w http.ResponseWriter, r *http.Request, session Session) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWorkbookBytes)
	filename := firstNonBlank(r.URL.Query().Get("filename"), r.Header.Get("X-Filename"))

	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, header, formErr := r.FormFile("file")
		if formErr != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "multipart upload needs a file field", nil)
			return
		}
		defer file.Close()
		filename = firstNonBlank(filename, header.Filename)
		data, err = io.ReadAll(file)
	} else {
		data, err = io.ReadAll(r.Body)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not read workbook", nil)
		return
	}

	probe, err := s.service.UploadWorkbook(r.Context(), mux.Vars(r)["id"], filename, data)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "headers": probe.Headers, "row_count": probe.RowCount})
}

func (s *HTTPServer) handleListSyncLogs(w http.ResponseWriter, r *http.Request, session Session) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := s.service.ListSyncLogs(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(logs))
	for _, entry := range logs {
		items = append(items, syncLogJSON(entry))
	}
	writeJSON(w, http.StatusOK, map[string]any{"syncLogs": items})
}

func (s *HTTPServer) handleListRecords(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	records, err := s.service.ListRecords(r.Context(), mux.Vars(r)["table"], limit, offset)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *HTTPServer) handleCreateRecord(w http.ResponseWriter, r *http.Request, session Session) {
	var body store.Record
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	record, err := s.service.CreateRecord(r.Context(), mux.Vars(r)["table"], body)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"record": record})
}

func (s *HTTPServer) handleGetRecord(w http.ResponseWriter, r *http.Request, session Session) {
	vars := mux.Vars(r)
	record, err := s.service.GetRecord(r.Context(), vars["table"], vars["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"record": record})
}

func (s *HTTPServer) handleUpdateRecord(w http.ResponseWriter, r *http.Request, session Session) {
	var body store.Record
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	vars := mux.Vars(r)
	record, err := s.service.UpdateRecord(r.Context(), vars["table"], vars["id"], body, r.URL.Query().Get("data_source_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"record": record})
}

func (s *HTTPServer) handleDeleteRecord(w http.ResponseWriter, r *http.Request, session Session) {
	vars := mux.Vars(r)
	if err := s.service.DeleteRecord(r.Context(), vars["table"], vars["id"]); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleConvertColdCall(w http.ResponseWriter, r *http.Request, session Session) {
	lead, err := s.service.ConvertColdCall(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"lead": lead})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	resultType, err := search.ParseResultType(query.Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), search.Query{
		Text:         strings.TrimSpace(query.Get("q")),
		FilterType:   resultType,
		FilterStatus: strings.TrimSpace(query.Get("status")),
		Limit:        limit,
		Offset:       offset,
	}))
}

func (s *HTTPServer) handleWhatsAppVerify(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	challenge, ok := s.service.VerifyWhatsAppWebhook(query.Get("hub.mode"), query.Get("hub.verify_token"), query.Get("hub.challenge"))
	if !ok {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Verification failed", nil)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

func (s *HTTPServer) handleWhatsAppEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not read body", nil)
		return
	}
	summary, err := s.service.IngestWhatsApp(r.Context(), body)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "messages": summary.Messages, "statuses": summary.Statuses})
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func dataSourceJSON(ds store.DataSource) map[string]any {
	mapping := ds.ColumnMapping
	if mapping == nil {
		mapping = map[string]string{}
	}
	return map[string]any{
		"id":                  ds.ID,
		"name":                ds.Name,
		"kind":                ds.Kind,
		"spreadsheetId":       ds.SpreadsheetID,
		"sheetName":           ds.SheetName,
		"objectKey":           ds.ObjectKey,
		"targetTable":         ds.TargetTable,
		"keyColumn":           ds.KeyColumn,
		"columnMapping":       mapping,
		"syncIntervalMinutes": ds.SyncIntervalMinutes,
		"autoSync":            ds.AutoSync,
		"status":              ds.Status,
		"lastSyncedAt":        ds.LastSyncedAt,
		"lastError":           ds.LastError,
		"createdBy":           ds.CreatedBy,
		"createdAt":           ds.CreatedAt,
		"updatedAt":           ds.UpdatedAt,
	}
}

func syncLogJSON(entry store.SyncLog) map[string]any {
	return map[string]any{
		"id":                entry.ID,
		"dataSourceId":      entry.DataSourceID,
		"direction":         entry.Direction,
		"status":            entry.Status,
		"records_processed": entry.RecordsProcessed,
		"records_inserted":  entry.RecordsInserted,
		"records_updated":   entry.RecordsUpdated,
		"records_unchanged": entry.RecordsUnchanged,
		"records_skipped":   entry.RecordsSkipped,
		"conflict_count":    entry.ConflictCount,
		"recordTable":       entry.RecordTable,
		"recordId":          entry.RecordID,
		"errorMessage":      entry.ErrorMessage,
		"startedAt":         entry.StartedAt,
		"finishedAt":        entry.FinishedAt,
	}
}
