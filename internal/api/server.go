package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/violation.report/internal/db"
	"github.com/banshee-data/violation.report/internal/session"
	"github.com/banshee-data/violation.report/internal/units"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server exposes the session registry and violation store over HTTP.
type Server struct {
	sessions *session.Manager
	db       *db.DB
	hub      *Hub
	units    string
}

// NewServer wires the API against its collaborators. units is the display
// unit for speeds (speeds are stored in km/h).
func NewServer(sessions *session.Manager, database *db.DB, hub *Hub, displayUnits string) *Server {
	if !units.IsValid(displayUnits) {
		displayUnits = units.KMPH
	}
	return &Server{
		sessions: sessions,
		db:       database,
		hub:      hub,
		units:    displayUnits,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

func logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf("%s%s%s %s %s %s", colorCyan, r.Method, colorReset, r.URL.Path,
			statusCodeColor(lrw.statusCode), time.Since(start))
	})
}

// ServeMux returns the API routing table.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/violations", s.listViolations)
	mux.HandleFunc("GET /api/stats", s.showStats)
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("POST /api/sessions/{id}/stop", s.stopSession)
	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.hub.ServeWS)
	}
	return mux
}

// Handler wraps the mux with request logging.
func (s *Server) Handler() http.Handler {
	return logRequest(s.ServeMux())
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func (s *Server) listViolations(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = parsed
	}

	displayUnits := s.units
	if v := r.URL.Query().Get("units"); v != "" {
		if !units.IsValid(v) {
			s.writeJSONError(w, http.StatusBadRequest,
				fmt.Sprintf("invalid units %q, expected one of: %s", v, units.GetValidUnitsString()))
			return
		}
		displayUnits = v
	}

	rows, err := s.db.ListViolations(r.URL.Query().Get("session"), limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, row := range rows {
		row.SpeedKmh = units.ConvertSpeedKmh(row.SpeedKmh, displayUnits)
		row.P50SpeedKmh = units.ConvertSpeedKmh(row.P50SpeedKmh, displayUnits)
		row.P85SpeedKmh = units.ConvertSpeedKmh(row.P85SpeedKmh, displayUnits)
		row.P95SpeedKmh = units.ConvertSpeedKmh(row.P95SpeedKmh, displayUnits)
	}
	s.writeJSON(w, map[string]interface{}{
		"units":      displayUnits,
		"violations": rows,
	})
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	summary, err := s.db.Summary(r.URL.Query().Get("session"))
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"stored":   summary,
		"sessions": s.sessions.List(),
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.sessions.List())
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.sessions.Stop(id) {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown session %q", id))
		return
	}
	s.writeJSON(w, map[string]string{"status": "stopping", "id": id})
}
