package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Heartbeat is the scheduling record for one (user, agent) pair's periodic
// check-in. Times are unix milliseconds; the interval is seconds.
type Heartbeat struct {
	ID                  int64
	UserID              string
	AgentID             string
	Enabled             bool
	IntervalSeconds     int
	State               string
	LastRun             int64
	NextRun             int64
	ConsecutiveFailures int
	LastChecks          map[string]int64
	ClaimedBy           string
	ClaimedUntil        int64
	CreatedAt           int64
	UpdatedAt           int64
}

// Heartbeat states.
const (
	HeartbeatIdle    = "idle"
	HeartbeatRunning = "running"
)

const heartbeatColumns = `id, user_id, COALESCE(agent_id, ''), enabled, interval_seconds, state,
	COALESCE(last_run, 0), COALESCE(next_run, 0), consecutive_failures, last_checks,
	COALESCE(claimed_by, ''), COALESCE(claimed_until, 0), created_at, updated_at`

// EnsureHeartbeat returns the heartbeat for a (user, agent) pair, creating
// it with next_run = now + interval if absent. Concurrent creators race on
// the unique index; the loser re-reads the winner's row.
func (db *DB) EnsureHeartbeat(userID, agentID string, intervalSeconds int, now int64) (*Heartbeat, error) {
	hb, err := db.GetHeartbeat(userID, agentID)
	if err != nil || hb != nil {
		return hb, err
	}

	nextRun := now + int64(intervalSeconds)*1000
	_, err = db.Exec(`
		INSERT INTO heartbeats (user_id, agent_id, interval_seconds, next_run, created_at, updated_at)
		VALUES (?, NULLIF(?, ''), ?, ?, ?, ?)
	`, userID, agentID, intervalSeconds, nextRun, now, now)
	if err != nil && !isUniqueViolation(err) {
		return nil, fmt.Errorf("create heartbeat: %w", err)
	}
	return db.GetHeartbeat(userID, agentID)
}

// GetHeartbeat returns the heartbeat for a (user, agent) pair, or nil.
func (db *DB) GetHeartbeat(userID, agentID string) (*Heartbeat, error) {
	hb, err := scanHeartbeat(db.QueryRow(`
		SELECT `+heartbeatColumns+` FROM heartbeats
		WHERE user_id = ? AND COALESCE(agent_id, '') = ?
	`, userID, agentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return hb, nil
}

// GetHeartbeatByID returns a heartbeat by row id, or nil.
func (db *DB) GetHeartbeatByID(id int64) (*Heartbeat, error) {
	hb, err := scanHeartbeat(db.QueryRow(`
		SELECT `+heartbeatColumns+` FROM heartbeats WHERE id = ?
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return hb, nil
}

// ListHeartbeats returns all heartbeats, for status reporting.
func (db *DB) ListHeartbeats() ([]Heartbeat, error) {
	rows, err := db.Query(`SELECT ` + heartbeatColumns + ` FROM heartbeats ORDER BY user_id, COALESCE(agent_id, '')`)
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	defer rows.Close()

	var out []Heartbeat
	for rows.Next() {
		hb, err := scanHeartbeat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *hb)
	}
	return out, rows.Err()
}

// DueHeartbeats returns enabled heartbeats whose next_run has passed and
// that are not held by a live claim. A running claim counts as live until
// grace milliseconds past its deadline.
func (db *DB) DueHeartbeats(now, grace int64) ([]Heartbeat, error) {
	rows, err := db.Query(`
		SELECT `+heartbeatColumns+` FROM heartbeats
		WHERE enabled = 1 AND next_run IS NOT NULL AND next_run <= ?
		  AND (state = 'idle' OR COALESCE(claimed_until, 0) + ? <= ?)
		ORDER BY next_run, id
	`, now, grace, now)
	if err != nil {
		return nil, fmt.Errorf("due heartbeats: %w", err)
	}
	defer rows.Close()

	var out []Heartbeat
	for rows.Next() {
		hb, err := scanHeartbeat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *hb)
	}
	return out, rows.Err()
}

// ClaimHeartbeat attempts to move a due heartbeat to running under a lease.
// The guarded update is the compare-and-set; exactly one concurrent claimer
// wins. Returns false when the heartbeat is not due, disabled, or already
// held.
func (db *DB) ClaimHeartbeat(id int64, token string, until, now, grace int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE heartbeats SET state = 'running', claimed_by = ?, claimed_until = ?, updated_at = ?
		WHERE id = ? AND enabled = 1 AND next_run IS NOT NULL AND next_run <= ?
		  AND (state = 'idle' OR COALESCE(claimed_until, 0) + ? <= ?)
	`, token, until, now, id, now, grace, now)
	if err != nil {
		return false, fmt.Errorf("claim heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim heartbeat: %w", err)
	}
	return n == 1, nil
}

// FinishHeartbeat records the outcome of a run and releases the claim.
// Only the holder's token finishes it; a late finish after the lease was
// reclaimed is a no-op.
func (db *DB) FinishHeartbeat(id int64, token string, lastRun, nextRun int64, failures int, now int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE heartbeats SET state = 'idle', claimed_by = NULL, claimed_until = NULL,
			last_run = ?, next_run = ?, consecutive_failures = ?, updated_at = ?
		WHERE id = ? AND claimed_by = ?
	`, lastRun, nextRun, failures, now, id, token)
	if err != nil {
		return false, fmt.Errorf("finish heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish heartbeat: %w", err)
	}
	return n == 1, nil
}

// MarkHeartbeatDue pulls an idle heartbeat's next run to now, for manual
// triggering.
func (db *DB) MarkHeartbeatDue(id int64, now int64) error {
	_, err := db.Exec(`
		UPDATE heartbeats SET next_run = ?, updated_at = ? WHERE id = ? AND state = 'idle'
	`, now, now, id)
	if err != nil {
		return fmt.Errorf("mark heartbeat due: %w", err)
	}
	return nil
}

// SetHeartbeatEnabled flips the enabled flag. Re-enabling recomputes
// next_run from now rather than firing a backlog of missed runs.
func (db *DB) SetHeartbeatEnabled(userID, agentID string, enabled bool, now int64) (*Heartbeat, error) {
	hb, err := db.GetHeartbeat(userID, agentID)
	if err != nil {
		return nil, err
	}
	if hb == nil {
		return nil, fmt.Errorf("no heartbeat for user %q agent %q", userID, agentID)
	}

	if enabled {
		nextRun := now + int64(hb.IntervalSeconds)*1000
		_, err = db.Exec(`
			UPDATE heartbeats SET enabled = 1, next_run = ?, consecutive_failures = 0, updated_at = ?
			WHERE id = ?
		`, nextRun, now, hb.ID)
	} else {
		_, err = db.Exec(`
			UPDATE heartbeats SET enabled = 0, updated_at = ? WHERE id = ?
		`, now, hb.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("set heartbeat enabled: %w", err)
	}
	return db.GetHeartbeat(userID, agentID)
}

// ConfigureHeartbeat updates the interval. When the heartbeat is idle the
// next run is recomputed from its last run (or now, if it never ran) so a
// shorter interval takes effect promptly.
func (db *DB) ConfigureHeartbeat(userID, agentID string, intervalSeconds int, now int64) (*Heartbeat, error) {
	if intervalSeconds <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %d", intervalSeconds)
	}

	hb, err := db.EnsureHeartbeat(userID, agentID, intervalSeconds, now)
	if err != nil {
		return nil, err
	}

	base := hb.LastRun
	if base == 0 {
		base = now
	}
	nextRun := base + int64(intervalSeconds)*1000
	_, err = db.Exec(`
		UPDATE heartbeats SET interval_seconds = ?, next_run = CASE WHEN state = 'idle' THEN ? ELSE next_run END, updated_at = ?
		WHERE id = ?
	`, intervalSeconds, nextRun, now, hb.ID)
	if err != nil {
		return nil, fmt.Errorf("configure heartbeat: %w", err)
	}
	return db.GetHeartbeat(userID, agentID)
}

// UpdateHeartbeatChecks merges per-check completion timestamps into
// last_checks, preserving entries for checks not in this batch.
func (db *DB) UpdateHeartbeatChecks(id int64, checks map[string]int64, now int64) error {
	if len(checks) == 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin checks update: %w", err)
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRow(`SELECT last_checks FROM heartbeats WHERE id = ?`, id).Scan(&raw); err != nil {
		return fmt.Errorf("read last checks: %w", err)
	}

	merged := map[string]int64{}
	if raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &merged); err != nil {
			return fmt.Errorf("decode last checks: %w", err)
		}
	}
	for name, ts := range checks {
		merged[name] = ts
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode last checks: %w", err)
	}
	if _, err := tx.Exec(`UPDATE heartbeats SET last_checks = ?, updated_at = ? WHERE id = ?`, string(data), now, id); err != nil {
		return fmt.Errorf("write last checks: %w", err)
	}
	return tx.Commit()
}

func scanHeartbeat(row rowScanner) (*Heartbeat, error) {
	var hb Heartbeat
	var checksJSON string
	if err := row.Scan(&hb.ID, &hb.UserID, &hb.AgentID, &hb.Enabled, &hb.IntervalSeconds,
		&hb.State, &hb.LastRun, &hb.NextRun, &hb.ConsecutiveFailures, &checksJSON,
		&hb.ClaimedBy, &hb.ClaimedUntil, &hb.CreatedAt, &hb.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("scan heartbeat: %w", err)
	}
	if checksJSON != "" && checksJSON != "{}" {
		hb.LastChecks = map[string]int64{}
		if err := json.Unmarshal([]byte(checksJSON), &hb.LastChecks); err != nil {
			return nil, fmt.Errorf("decode last checks: %w", err)
		}
	}
	return &hb, nil
}
