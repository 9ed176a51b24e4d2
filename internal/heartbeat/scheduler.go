// Package heartbeat schedules periodic agent check-ins. Each (user, agent)
// pair has one heartbeat row; the scheduler claims due rows under a lease,
// hands them to an Executor, and reschedules with exponential backoff on
// failure. Multiple scheduler processes can share a database safely.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/lazypower/recall/internal/store"
)

// ErrAlreadyRunning is returned when a heartbeat could not be claimed
// because another runner holds it.
var ErrAlreadyRunning = errors.New("heartbeat already running")

// maxBackoff caps the failure delay at one day.
const maxBackoff = 24 * time.Hour

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Request is what an Executor receives for one heartbeat run.
type Request struct {
	UserID     string           `json:"user_id"`
	AgentID    string           `json:"agent_id,omitempty"`
	Checklist  string           `json:"checklist"`
	LastChecks map[string]int64 `json:"last_checks,omitempty"`
}

// Executor performs the actual check-in. A non-nil Checks return is merged
// into the heartbeat's per-check completion timestamps.
type Executor interface {
	Execute(ctx context.Context, req Request) (checks map[string]int64, err error)
}

// Scheduler drives heartbeats from due to done.
type Scheduler struct {
	DB    *store.DB
	Exec  Executor
	Clock Clock

	// Lease bounds a single run; Grace extends it before another runner
	// may steal the claim.
	Lease time.Duration
	Grace time.Duration
	// Poll is the period of the Run loop.
	Poll time.Duration
}

// New creates a scheduler with standard timings.
func New(db *store.DB, exec Executor) *Scheduler {
	return &Scheduler{
		DB:    db,
		Exec:  exec,
		Clock: systemClock{},
		Lease: 5 * time.Minute,
		Grace: 30 * time.Second,
		Poll:  15 * time.Second,
	}
}

// Run polls for due heartbeats until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				log.Printf("heartbeat tick: %v", err)
			}
		}
	}
}

// Tick claims and runs every currently due heartbeat. Returns how many ran.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.Clock.Now().UnixMilli()
	due, err := s.DB.DueHeartbeats(now, s.Grace.Milliseconds())
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, hb := range due {
		if ctx.Err() != nil {
			break
		}
		if err := s.RunOne(ctx, hb); err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				continue
			}
			return ran, err
		}
		ran++
	}
	return ran, nil
}

// RunOne claims a single heartbeat and executes it. Exactly one concurrent
// caller wins the claim; the rest get ErrAlreadyRunning. Executor failures
// are not returned: they count against the heartbeat and push its next run
// out exponentially.
func (s *Scheduler) RunOne(ctx context.Context, hb store.Heartbeat) error {
	token := ulid.Make().String()
	now := s.Clock.Now().UnixMilli()

	ok, err := s.DB.ClaimHeartbeat(hb.ID, token, now+s.Lease.Milliseconds(), now, s.Grace.Milliseconds())
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyRunning
	}

	checks, execErr := s.Exec.Execute(ctx, s.buildRequest(hb))

	finished := s.Clock.Now().UnixMilli()
	interval := time.Duration(hb.IntervalSeconds) * time.Second
	failures := 0
	delay := interval
	if execErr != nil {
		failures = hb.ConsecutiveFailures + 1
		delay = backoffDelay(interval, failures)
		log.Printf("heartbeat %s/%s failed (streak %d): %v", hb.UserID, hb.AgentID, failures, execErr)
	}

	landed, err := s.DB.FinishHeartbeat(hb.ID, token, finished, finished+delay.Milliseconds(), failures, finished)
	if err != nil {
		return err
	}
	if !landed {
		// The lease expired mid-run and someone reclaimed it; their
		// bookkeeping wins.
		return nil
	}

	if execErr == nil && len(checks) > 0 {
		if err := s.DB.UpdateHeartbeatChecks(hb.ID, checks, finished); err != nil {
			log.Printf("heartbeat checks %s/%s: %v", hb.UserID, hb.AgentID, err)
		}
	}
	return nil
}

// Claim reserves a due heartbeat for an external runner and returns the
// claim token plus the request the runner should execute. The runner
// reports back through Complete before the lease expires.
func (s *Scheduler) Claim(userID, agentID string) (int64, string, Request, error) {
	hb, err := s.DB.GetHeartbeat(userID, agentID)
	if err != nil {
		return 0, "", Request{}, err
	}
	if hb == nil {
		return 0, "", Request{}, fmt.Errorf("no heartbeat for user %q agent %q", userID, agentID)
	}

	token := ulid.Make().String()
	now := s.Clock.Now().UnixMilli()
	ok, err := s.DB.ClaimHeartbeat(hb.ID, token, now+s.Lease.Milliseconds(), now, s.Grace.Milliseconds())
	if err != nil {
		return 0, "", Request{}, err
	}
	if !ok {
		return 0, "", Request{}, ErrAlreadyRunning
	}
	return hb.ID, token, s.buildRequest(*hb), nil
}

// Complete records an external runner's outcome and reschedules the
// heartbeat. A stale token means the lease expired and another runner took
// over; the call then reports an error and changes nothing.
func (s *Scheduler) Complete(id int64, token string, success bool, checks map[string]int64) error {
	hb, err := s.DB.GetHeartbeatByID(id)
	if err != nil {
		return err
	}
	if hb == nil {
		return fmt.Errorf("no heartbeat %d", id)
	}

	now := s.Clock.Now().UnixMilli()
	interval := time.Duration(hb.IntervalSeconds) * time.Second
	failures := 0
	delay := interval
	if !success {
		failures = hb.ConsecutiveFailures + 1
		delay = backoffDelay(interval, failures)
	}

	landed, err := s.DB.FinishHeartbeat(id, token, now, now+delay.Milliseconds(), failures, now)
	if err != nil {
		return err
	}
	if !landed {
		return fmt.Errorf("claim on heartbeat %d expired", id)
	}

	if success && len(checks) > 0 {
		if err := s.DB.UpdateHeartbeatChecks(id, checks, now); err != nil {
			return err
		}
	}
	return nil
}

// Trigger runs a heartbeat immediately, regardless of its schedule.
func (s *Scheduler) Trigger(ctx context.Context, userID, agentID string) error {
	hb, err := s.DB.GetHeartbeat(userID, agentID)
	if err != nil {
		return err
	}
	if hb == nil {
		return fmt.Errorf("no heartbeat for user %q agent %q", userID, agentID)
	}
	if !hb.Enabled {
		return fmt.Errorf("heartbeat for user %q agent %q is disabled", userID, agentID)
	}

	now := s.Clock.Now().UnixMilli()
	if err := s.DB.MarkHeartbeatDue(hb.ID, now); err != nil {
		return err
	}
	hb.NextRun = now
	return s.RunOne(ctx, *hb)
}

// buildRequest assembles the executor's view of a heartbeat: its checklist
// document, agent-scoped shadowing the shared one.
func (s *Scheduler) buildRequest(hb store.Heartbeat) Request {
	req := Request{
		UserID:     hb.UserID,
		AgentID:    hb.AgentID,
		LastChecks: hb.LastChecks,
	}

	doc, err := s.DB.GetDocument(store.Identity{UserID: hb.UserID, AgentID: hb.AgentID, DocType: store.DocTypeHeartbeat})
	if err != nil {
		log.Printf("heartbeat checklist %s/%s: %v", hb.UserID, hb.AgentID, err)
		return req
	}
	if doc == nil && hb.AgentID != "" {
		doc, err = s.DB.GetDocument(store.Identity{UserID: hb.UserID, DocType: store.DocTypeHeartbeat})
		if err != nil {
			log.Printf("heartbeat checklist %s/%s: %v", hb.UserID, hb.AgentID, err)
			return req
		}
	}
	if doc != nil {
		req.Checklist = doc.Content
	}
	return req
}

// backoffDelay doubles the interval per consecutive failure, capped at a
// day: interval * 2^failures.
func backoffDelay(interval time.Duration, failures int) time.Duration {
	delay := interval
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
