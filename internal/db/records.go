package db

import (
	"fmt"
	"time"
)

// GateResultRecord is a persisted quality-gate verdict.
type GateResultRecord struct {
	TeamID         string
	SessionID      string
	AggregateScore int
	Passed         bool
	Cycle          int
	MaxCycles      int
	Stages         string // JSON-encoded per-stage scores
	EscalatedTo    string
	CreatedAt      time.Time
}

// StoreGateResult records a quality-gate verdict.
func (d *DB) StoreGateResult(rec GateResultRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := d.sql.Exec(
		`INSERT INTO gate_results (team_id, session_id, aggregate_score, passed, cycle, max_cycles, stages, escalated_to, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TeamID, rec.SessionID, rec.AggregateScore, boolToInt(rec.Passed),
		rec.Cycle, rec.MaxCycles, rec.Stages, rec.EscalatedTo, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storing gate result: %w", err)
	}
	return nil
}

// GateResults returns the most recent gate results for a team, newest first.
func (d *DB) GateResults(teamID string, limit int) ([]GateResultRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.sql.Query(
		`SELECT team_id, session_id, aggregate_score, passed, cycle, max_cycles, stages, escalated_to, created_at
		 FROM gate_results WHERE team_id = ? ORDER BY created_at DESC LIMIT ?`,
		teamID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying gate results: %w", err)
	}
	defer rows.Close()

	var results []GateResultRecord
	for rows.Next() {
		var rec GateResultRecord
		var passed int
		if err := rows.Scan(&rec.TeamID, &rec.SessionID, &rec.AggregateScore, &passed,
			&rec.Cycle, &rec.MaxCycles, &rec.Stages, &rec.EscalatedTo, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning gate result: %w", err)
		}
		rec.Passed = passed != 0
		results = append(results, rec)
	}
	return results, rows.Err()
}

// ActivityRecord is a persisted activity-log entry.
type ActivityRecord struct {
	TeamID    string
	SessionID string
	Name      string
	Action    string
	Message   string
	CreatedAt time.Time
}

// LogActivity appends an entry to the persisted activity log.
func (d *DB) LogActivity(rec ActivityRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := d.sql.Exec(
		`INSERT INTO activity_log (team_id, session_id, name, action, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.TeamID, rec.SessionID, rec.Name, rec.Action, rec.Message, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("logging activity: %w", err)
	}
	return nil
}

// RecentActivity returns persisted activity entries, newest first. An
// empty teamID returns activity across all teams.
func (d *DB) RecentActivity(teamID string, limit int) ([]ActivityRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT team_id, session_id, name, action, message, created_at
	          FROM activity_log`
	args := []any{}
	if teamID != "" {
		query += ` WHERE team_id = ?`
		args = append(args, teamID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.sql.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying activity log: %w", err)
	}
	defer rows.Close()

	var records []ActivityRecord
	for rows.Next() {
		var rec ActivityRecord
		if err := rows.Scan(&rec.TeamID, &rec.SessionID, &rec.Name, &rec.Action, &rec.Message, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning activity record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RunRecord is a persisted autonomous run.
type RunRecord struct {
	ID             string
	Objective      string
	StartTime      time.Time
	EndTime        time.Time
	State          string
	Strategy       string
	TasksTotal     int
	TasksCompleted int
	Error          string
}

// StartRun records the beginning of an autonomous run.
func (d *DB) StartRun(rec RunRecord) error {
	if rec.StartTime.IsZero() {
		rec.StartTime = time.Now().UTC()
	}
	_, err := d.sql.Exec(
		`INSERT INTO run_history (id, objective, start_time, state, strategy) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Objective, rec.StartTime, rec.State, rec.Strategy,
	)
	if err != nil {
		return fmt.Errorf("recording run start: %w", err)
	}
	return nil
}

// FinishRun records the terminal state of an autonomous run.
func (d *DB) FinishRun(id, state, errMsg string, tasksTotal, tasksCompleted int) error {
	_, err := d.sql.Exec(
		`UPDATE run_history SET end_time = ?, state = ?, error = ?, tasks_total = ?, tasks_completed = ? WHERE id = ?`,
		time.Now().UTC(), state, errMsg, tasksTotal, tasksCompleted, id,
	)
	if err != nil {
		return fmt.Errorf("recording run finish: %w", err)
	}
	return nil
}

// RecentRuns returns run history, newest first.
func (d *DB) RecentRuns(limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.sql.Query(
		`SELECT id, objective, start_time, COALESCE(end_time, start_time), state, strategy,
		        tasks_total, tasks_completed, COALESCE(error, '')
		 FROM run_history ORDER BY start_time DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying run history: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var rec RunRecord
		if err := rows.Scan(&rec.ID, &rec.Objective, &rec.StartTime, &rec.EndTime,
			&rec.State, &rec.Strategy, &rec.TasksTotal, &rec.TasksCompleted, &rec.Error); err != nil {
			return nil, fmt.Errorf("scanning run record: %w", err)
		}
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
