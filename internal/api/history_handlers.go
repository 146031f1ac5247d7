package api

import (
	"encoding/csv"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foleys1972/Mobile-trader/internal/database"
	"github.com/foleys1972/Mobile-trader/internal/database/models"
)

// exportLimit caps the rows of one CSV export.
const exportLimit = 10000

// archiveTimeLayout is how bounds are handed to the call record store.
const archiveTimeLayout = "2006-01-02 15:04:05.999999999"

// parseDateBound parses an RFC3339 timestamp or a YYYY-MM-DD date. A bare
// date used as an upper bound covers the whole day.
func parseDateBound(field, value string, upper bool) (string, string) {
	if value == "" {
		return "", ""
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC().Format(archiveTimeLayout), ""
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return "", field + " must be RFC3339 or YYYY-MM-DD"
	}
	if upper {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t.Format(archiveTimeLayout), ""
}

// historyFilter builds a call record filter from the query string.
func historyFilter(q url.Values) (database.CallRecordListFilter, string) {
	var f database.CallRecordListFilter

	f.Status = q.Get("status")
	if f.Status != "" && f.Status != "ended" && f.Status != "failed" {
		return f, "status must be \"ended\" or \"failed\""
	}
	f.Direction = q.Get("direction")
	if f.Direction != "" && f.Direction != "inbound" && f.Direction != "outbound" {
		return f, "direction must be \"inbound\" or \"outbound\""
	}
	f.BankID = q.Get("bank_id")
	f.LineID = q.Get("line_id")

	var errMsg string
	if f.StartDate, errMsg = parseDateBound("start_date", q.Get("start_date"), false); errMsg != "" {
		return f, errMsg
	}
	if f.EndDate, errMsg = parseDateBound("end_date", q.Get("end_date"), true); errMsg != "" {
		return f, errMsg
	}
	return f, ""
}

func (s *Server) requireRecords(w http.ResponseWriter) bool {
	if s.records == nil {
		writeError(w, http.StatusServiceUnavailable, "call history is not available")
		return false
	}
	return true
}

// handleListCallHistory returns archived calls with pagination and optional
// filters. Query params: limit, offset, bank_id, line_id, status, direction,
// start_date, end_date.
func (s *Server) handleListCallHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireRecords(w) {
		return
	}
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	filter, errMsg := historyFilter(r.URL.Query())
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	filter.Limit = pg.Limit
	filter.Offset = pg.Offset

	records, total, err := s.records.List(r.Context(), filter)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  records,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleGetCallRecord returns one archived call.
func (s *Server) handleGetCallRecord(w http.ResponseWriter, r *http.Request) {
	if !s.requireRecords(w) {
		return
	}
	callID := chi.URLParam(r, "callID")
	rec, err := s.records.GetByID(r.Context(), callID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if rec == nil {
		writeErrorDetail(w, http.StatusNotFound, "call record not found", &errorDetail{Kind: "not_found", CallID: callID})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleExportCallHistory exports archived calls as CSV with the same
// filters as the list endpoint.
func (s *Server) handleExportCallHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireRecords(w) {
		return
	}
	filter, errMsg := historyFilter(r.URL.Query())
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	filter.Limit = exportLimit

	records, _, err := s.records.List(r.Context(), filter)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=call-history.csv")

	cw := csv.NewWriter(w)
	cw.Write(callRecordCSVHeader) //nolint:errcheck
	for i := range records {
		cw.Write(callRecordCSVRow(&records[i])) //nolint:errcheck
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		s.logger.Error("export call history: csv write error", "error", err)
	}
}

var callRecordCSVHeader = []string{
	"Call-ID", "Bank", "Line", "Address", "Type", "Direction", "Status",
	"Reason", "Start Time", "Answer Time", "End Time", "Duration (s)",
}

func callRecordCSVRow(c *models.CallRecord) []string {
	answerTime := ""
	if c.AnswerTime != nil {
		answerTime = c.AnswerTime.UTC().Format(time.RFC3339)
	}
	endTime := ""
	if c.EndTime != nil {
		endTime = c.EndTime.UTC().Format(time.RFC3339)
	}
	return []string{
		c.ID,
		c.BankID,
		c.LineID,
		c.Address,
		c.Kind,
		c.Direction,
		c.Status,
		c.Reason,
		c.StartTime.UTC().Format(time.RFC3339),
		answerTime,
		endTime,
		strconv.FormatFloat(float64(c.DurationMS)/1000, 'f', 3, 64),
	}
}
