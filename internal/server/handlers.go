package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/goquant/slipstream/internal/params"
)

// Transport-level error codes. Model errors keep their tca codes.
const (
	codeNoOrderbook    = "NO_ORDERBOOK"
	codeInvalidRequest = "INVALID_REQUEST"
	codeNotFound       = "NOT_FOUND"
)

type errorResponse struct {
	Error     string    `json:"error"` // HTTP status text
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	FeedConnected bool    `json:"feed_connected"`
}

// fieldError is the wire form of a rejected patch key.
type fieldError struct {
	Field   string `json:"field"`
	Value   any    `json:"value"`
	Message string `json:"message"`
}

type parametersResponse struct {
	Parameters  params.Parameters `json:"parameters"`
	FieldErrors []fieldError      `json:"field_errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"json_encoding_failed"}`, http.StatusInternalServerError)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error:     http.StatusText(status),
		Code:      code,
		Message:   message,
		RequestID: requestID(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		UptimeSeconds: s.app.Uptime().Seconds(),
		FeedConnected: s.app.ConnectionStatus().Connected,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.ConnectionStatus())
}

func (s *Server) handleOrderbook(w http.ResponseWriter, r *http.Request) {
	snap := s.app.LatestSnapshot()
	if snap == nil {
		s.writeError(w, r, http.StatusNotFound, codeNoOrderbook, "no orderbook received yet")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetParameters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, parametersResponse{Parameters: s.app.Parameters()})
}

// handleUpdateParameters applies a partial update. Rejected fields come back
// in the body; the request itself succeeds as long as the JSON was readable.
func (s *Server) handleUpdateParameters(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "request body is not a JSON object")
		return
	}

	updated, ferrs := s.app.UpdateParameters(patch)
	writeJSON(w, http.StatusOK, parametersResponse{
		Parameters:  updated,
		FieldErrors: toFieldErrors(ferrs),
	})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	res := s.app.ComputeNow()
	if res == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, codeNoOrderbook, "no orderbook received yet")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLatency(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.LatencyMetrics())
}

func (s *Server) handleResetLatency(w http.ResponseWriter, r *http.Request) {
	s.app.ResetLatency()
	writeJSON(w, http.StatusOK, s.app.LatencyMetrics())
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, errorResponse{
		Error:     http.StatusText(http.StatusNotFound),
		Code:      codeNotFound,
		Message:   "the requested endpoint does not exist",
		RequestID: requestID(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

func toFieldErrors(ferrs []params.FieldError) []fieldError {
	if len(ferrs) == 0 {
		return nil
	}
	out := make([]fieldError, len(ferrs))
	for i, fe := range ferrs {
		out[i] = fieldError{Field: fe.Field, Value: fe.Value, Message: fe.Err.Error()}
	}
	return out
}
