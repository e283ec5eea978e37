package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/rover.scan/internal/envmodel"
	"github.com/banshee-data/rover.scan/internal/sweep"
)

// ErrNotFound is returned by lookups that match no rows.
var ErrNotFound = errors.New("not found")

// Sensor names stored in scan_rows.
const (
	SensorInfrared = "infrared"
	SensorSonar    = "sonar"
)

// StartSession records a new session. Starting an existing session is a
// no-op so a restarted process can keep appending to it.
func (db *DB) StartSession(sessionID, port string) error {
	_, err := db.Exec(
		`INSERT OR IGNORE INTO sessions (session_id, port, started_unix) VALUES (?, ?, ?)`,
		sessionID, port, db.nowUnix(),
	)
	if err != nil {
		return fmt.Errorf("start session %s: %w", sessionID, err)
	}
	return nil
}

// RecordScan stores a completed sweep and the pose it was taken from. The
// scan and all of its rows are written in one transaction.
func (db *DB) RecordScan(sessionID, scanID string, req sweep.Request, pose envmodel.Pose, res *sweep.Result) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO scans (scan_id, session_id, start_angle, end_angle, samples, pose_x, pose_y, pose_heading, created_unix)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		scanID, sessionID, req.Start, req.End, req.Samples, pose.X, pose.Y, pose.Heading, db.nowUnix(),
	); err != nil {
		return fmt.Errorf("insert scan %s: %w", scanID, err)
	}

	stmt, err := tx.Prepare(`INSERT INTO scan_rows (scan_id, sensor, row_index, angle, distance) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, set := range []struct {
		sensor string
		rows   sweep.Matrix
	}{{SensorInfrared, res.Infrared}, {SensorSonar, res.Sonar}} {
		for i, row := range set.rows {
			if _, err := stmt.Exec(scanID, set.sensor, i, row.Angle, row.Distance); err != nil {
				return fmt.Errorf("insert %s row %d of scan %s: %w", set.sensor, i, scanID, err)
			}
		}
	}
	return tx.Commit()
}

// RecordObservations stores every point an update added to the map.
func (db *DB) RecordObservations(sessionID string, u envmodel.Update) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO observations (session_id, seq, category, x, y, pose_x, pose_y, pose_heading)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	// Category order keeps observation ids stable across runs.
	for _, c := range envmodel.Categories {
		for _, p := range u.Added[c] {
			if _, err := stmt.Exec(sessionID, u.Seq, string(c), p.X, p.Y, u.Pose.X, u.Pose.Y, u.Pose.Heading); err != nil {
				return fmt.Errorf("insert %s observation: %w", c, err)
			}
		}
	}
	return tx.Commit()
}

// Session is a row of the sessions table.
type Session struct {
	ID        string    `json:"id"`
	Port      string    `json:"port"`
	StartedAt time.Time `json:"started_at"`
	Scans     int       `json:"scans"`
}

// Sessions lists sessions, newest first.
func (db *DB) Sessions() ([]Session, error) {
	rows, err := db.Query(`SELECT s.session_id, s.port, s.started_unix,
			(SELECT COUNT(*) FROM scans WHERE scans.session_id = s.session_id)
		FROM sessions s ORDER BY s.started_unix DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var started float64
		if err := rows.Scan(&s.ID, &s.Port, &started, &s.Scans); err != nil {
			return nil, err
		}
		s.StartedAt = unixTime(started)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ScanRecord describes an archived scan without its rows.
type ScanRecord struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Request   sweep.Request `json:"request"`
	Pose      envmodel.Pose `json:"pose"`
	CreatedAt time.Time     `json:"created_at"`
}

// Scans lists a session's scans in the order they were taken.
func (db *DB) Scans(sessionID string) ([]ScanRecord, error) {
	rows, err := db.Query(`SELECT scan_id, session_id, start_angle, end_angle, samples, pose_x, pose_y, pose_heading, created_unix
		FROM scans WHERE session_id = ? ORDER BY created_unix, rowid`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scans []ScanRecord
	for rows.Next() {
		var r ScanRecord
		var created float64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Request.Start, &r.Request.End, &r.Request.Samples,
			&r.Pose.X, &r.Pose.Y, &r.Pose.Heading, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = unixTime(created)
		scans = append(scans, r)
	}
	return scans, rows.Err()
}

// LoadScan returns an archived scan with its matrices.
func (db *DB) LoadScan(scanID string) (ScanRecord, *sweep.Result, error) {
	var r ScanRecord
	var created float64
	err := db.QueryRow(`SELECT scan_id, session_id, start_angle, end_angle, samples, pose_x, pose_y, pose_heading, created_unix
		FROM scans WHERE scan_id = ?`, scanID).Scan(&r.ID, &r.SessionID, &r.Request.Start, &r.Request.End,
		&r.Request.Samples, &r.Pose.X, &r.Pose.Y, &r.Pose.Heading, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return r, nil, fmt.Errorf("scan %s: %w", scanID, ErrNotFound)
	}
	if err != nil {
		return r, nil, err
	}
	r.CreatedAt = unixTime(created)

	rows, err := db.Query(`SELECT sensor, angle, distance FROM scan_rows WHERE scan_id = ? ORDER BY sensor, row_index`, scanID)
	if err != nil {
		return r, nil, err
	}
	defer rows.Close()

	res := &sweep.Result{Request: r.Request, Infrared: sweep.Matrix{}, Sonar: sweep.Matrix{}}
	for rows.Next() {
		var sensor string
		var row sweep.Row
		if err := rows.Scan(&sensor, &row.Angle, &row.Distance); err != nil {
			return r, nil, err
		}
		switch sensor {
		case SensorInfrared:
			res.Infrared = append(res.Infrared, row)
		case SensorSonar:
			res.Sonar = append(res.Sonar, row)
		}
	}
	return r, res, rows.Err()
}

// Observation is an archived map point.
type Observation struct {
	Seq      uint64            `json:"seq"`
	Category envmodel.Category `json:"category"`
	Point    envmodel.Point    `json:"point"`
	Pose     envmodel.Pose     `json:"pose"`
}

// Observations returns a session's map points in insertion order.
func (db *DB) Observations(sessionID string) ([]Observation, error) {
	rows, err := db.Query(`SELECT seq, category, x, y, pose_x, pose_y, pose_heading
		FROM observations WHERE session_id = ? ORDER BY observation_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var o Observation
		var category string
		if err := rows.Scan(&o.Seq, &category, &o.Point.X, &o.Point.Y, &o.Pose.X, &o.Pose.Y, &o.Pose.Heading); err != nil {
			return nil, err
		}
		o.Category = envmodel.Category(category)
		out = append(out, o)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and everything recorded under it.
func (db *DB) DeleteSession(sessionID string) error {
	res, err := db.Exec(`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

func unixTime(sec float64) time.Time {
	return time.Unix(0, int64(sec*1e9)).UTC()
}
