// Package db persists finalized violation records in SQLite.
package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/violation.report/internal/vision"
)

// DB wraps the SQLite handle used for violation storage.
type DB struct {
	*sql.DB
}

// NewDB opens (creating if necessary) the violation database at path.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS violations (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id        TEXT NOT NULL,
			track_id          BIGINT NOT NULL,
			violation_type    TEXT NOT NULL,
			vehicle_class     TEXT,
			license_plate     TEXT,
			speed_kmh         DOUBLE,
			p50_speed_kmh     DOUBLE,
			p85_speed_kmh     DOUBLE,
			p95_speed_kmh     DOUBLE,
			signal_state      TEXT,
			frame_number      BIGINT,
			bbox_x1           BIGINT,
			bbox_y1           BIGINT,
			bbox_x2           BIGINT,
			bbox_y2           BIGINT,
			evidence_path     TEXT,
			created_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_violations_session ON violations(session_id);
		CREATE INDEX IF NOT EXISTS idx_violations_type ON violations(violation_type);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create violations schema: %w", err)
	}

	return &DB{db}, nil
}

// ViolationRow is one stored violation as returned by list queries.
type ViolationRow struct {
	ID           int64                `json:"id"`
	SessionID    string               `json:"session_id"`
	TrackID      int64                `json:"track_id"`
	Type         vision.ViolationType `json:"violation_type"`
	VehicleClass vision.VehicleClass  `json:"vehicle_class"`
	PlateText    string               `json:"license_plate"`
	SpeedKmh     float64              `json:"speed_kmh"`
	P50SpeedKmh  float64              `json:"p50_speed_kmh"`
	P85SpeedKmh  float64              `json:"p85_speed_kmh"`
	P95SpeedKmh  float64              `json:"p95_speed_kmh"`
	SignalState  vision.SignalState   `json:"signal_state"`
	FrameNumber  int                  `json:"frame_number"`
	BBox         vision.BBox          `json:"bbox"`
	EvidencePath string               `json:"evidence_path,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
}

// InsertViolation stores one finalized record for a session.
func (db *DB) InsertViolation(sessionID string, rec *vision.ViolationRecord) error {
	query := `
		INSERT INTO violations (
			session_id, track_id, violation_type, vehicle_class, license_plate,
			speed_kmh, p50_speed_kmh, p85_speed_kmh, p95_speed_kmh,
			signal_state, frame_number,
			bbox_x1, bbox_y1, bbox_x2, bbox_y2, evidence_path
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.Exec(query,
		sessionID, rec.TrackID, string(rec.Type), string(rec.VehicleClass), rec.PlateText,
		rec.SpeedKmh, rec.P50SpeedKmh, rec.P85SpeedKmh, rec.P95SpeedKmh,
		string(rec.SignalState), rec.FrameNumber,
		rec.BBox.X1, rec.BBox.Y1, rec.BBox.X2, rec.BBox.Y2, rec.EvidencePath,
	)
	if err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}
	return nil
}

// ListViolations returns stored violations, newest first, optionally
// filtered by session. A non-positive limit defaults to 100.
func (db *DB) ListViolations(sessionID string, limit int) ([]*ViolationRow, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, session_id, track_id, violation_type, vehicle_class, license_plate,
			speed_kmh, p50_speed_kmh, p85_speed_kmh, p95_speed_kmh,
			signal_state, frame_number,
			bbox_x1, bbox_y1, bbox_x2, bbox_y2, evidence_path, created_at
		FROM violations
	`
	args := []interface{}{}
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	defer rows.Close()

	var out []*ViolationRow
	for rows.Next() {
		var r ViolationRow
		var vt, class, signal string
		if err := rows.Scan(
			&r.ID, &r.SessionID, &r.TrackID, &vt, &class, &r.PlateText,
			&r.SpeedKmh, &r.P50SpeedKmh, &r.P85SpeedKmh, &r.P95SpeedKmh,
			&signal, &r.FrameNumber,
			&r.BBox.X1, &r.BBox.Y1, &r.BBox.X2, &r.BBox.Y2, &r.EvidencePath, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		r.Type = vision.ViolationType(vt)
		r.VehicleClass = vision.VehicleClass(class)
		r.SignalState = vision.SignalState(signal)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ViolationSummary aggregates stored violations by type and vehicle class.
type ViolationSummary struct {
	TotalCount  int            `json:"total_count"`
	ByType      map[string]int `json:"by_type"`
	ByClass     map[string]int `json:"by_class"`
	AvgSpeedKmh float64        `json:"avg_speed_kmh"`
}

// Summary computes aggregate counts, optionally filtered by session.
func (db *DB) Summary(sessionID string) (*ViolationSummary, error) {
	summary := &ViolationSummary{
		ByType:  make(map[string]int),
		ByClass: make(map[string]int),
	}

	query := `SELECT violation_type, vehicle_class, speed_kmh FROM violations`
	args := []interface{}{}
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("violation summary: %w", err)
	}
	defer rows.Close()

	var speedSum float64
	for rows.Next() {
		var vt, class string
		var speed float64
		if err := rows.Scan(&vt, &class, &speed); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		summary.TotalCount++
		summary.ByType[vt]++
		summary.ByClass[class]++
		speedSum += speed
	}
	if summary.TotalCount > 0 {
		summary.AvgSpeedKmh = speedSum / float64(summary.TotalCount)
	}
	return summary, rows.Err()
}

// SessionSink binds the database to one session ID so it can serve as that
// session's persistence collaborator.
type SessionSink struct {
	db        *DB
	sessionID string
}

// SinkFor returns a vision.PersistenceSink writing under the given session.
func (db *DB) SinkFor(sessionID string) *SessionSink {
	return &SessionSink{db: db, sessionID: sessionID}
}

// PersistViolation implements vision.PersistenceSink.
func (s *SessionSink) PersistViolation(rec *vision.ViolationRecord) error {
	return s.db.InsertViolation(s.sessionID, rec)
}
