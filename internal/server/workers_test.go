package server

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/lazypower/recall/internal/engine"
	"github.com/lazypower/recall/internal/heartbeat"
	"github.com/lazypower/recall/internal/index"
	"github.com/lazypower/recall/internal/store"
)

// offsetClock reports real time shifted forward, so leases and schedules
// created moments ago look due.
type offsetClock struct {
	offset time.Duration
}

func (c *offsetClock) Now() time.Time { return time.Now().Add(c.offset) }

func testWorkerServer(t *testing.T) (*Server, *heartbeat.Scheduler) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	e, err := engine.New(db, index.NewBruteForce())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	sched := heartbeat.New(db, heartbeat.LogExecutor{})
	return New(e, sched, "test"), sched
}

func pendingChunkID(t *testing.T, srv *Server) int64 {
	t.Helper()
	w, resp := doJSON(t, srv, "GET", "/api/embeddings/pending", "")
	if w.Code != http.StatusOK {
		t.Fatalf("pending status = %d; body: %s", w.Code, w.Body.String())
	}
	items, _ := resp["pending"].([]any)
	if len(items) == 0 {
		t.Fatalf("no pending chunks: %v", resp)
	}
	first := items[0].(map[string]any)
	return int64(first["chunk_id"].(float64))
}

func TestEmbeddingWorkerFlow(t *testing.T) {
	srv, _ := testWorkerServer(t)

	body := `{"user_id":"alice","doc_type":"memory","content":"remembers the tide tables"}`
	if w, _ := doJSON(t, srv, "PUT", "/api/documents", body); w.Code != http.StatusOK {
		t.Fatalf("put status = %d", w.Code)
	}

	chunkID := pendingChunkID(t, srv)

	// First claim wins, the second loses.
	claimPath := fmt.Sprintf("/api/embeddings/%d/claim", chunkID)
	w, resp := doJSON(t, srv, "POST", claimPath, "")
	if w.Code != http.StatusOK {
		t.Fatalf("claim status = %d; body: %s", w.Code, w.Body.String())
	}
	if resp["token"] == "" || resp["until"] == nil {
		t.Errorf("claim response = %v", resp)
	}
	if w, _ := doJSON(t, srv, "POST", claimPath, ""); w.Code != http.StatusConflict {
		t.Errorf("second claim status = %d, want 409", w.Code)
	}

	// Completion lands once; the repeat reports landed=false.
	completePath := fmt.Sprintf("/api/embeddings/%d/complete", chunkID)
	vec := `{"vector":[0.1,0.2,0.3,0.4]}`
	w, resp = doJSON(t, srv, "POST", completePath, vec)
	if w.Code != http.StatusOK || resp["landed"] != true {
		t.Fatalf("complete = %d %v", w.Code, resp)
	}
	w, resp = doJSON(t, srv, "POST", completePath, vec)
	if w.Code != http.StatusOK || resp["landed"] != false {
		t.Errorf("repeat complete = %d %v", w.Code, resp)
	}

	_, resp = doJSON(t, srv, "GET", "/api/embeddings/pending", "")
	if items, _ := resp["pending"].([]any); len(items) != 0 {
		t.Errorf("pending after complete = %v", items)
	}
}

func TestEmbeddingFailReleasesClaim(t *testing.T) {
	srv, _ := testWorkerServer(t)

	body := `{"user_id":"alice","doc_type":"memory","content":"short note"}`
	if w, _ := doJSON(t, srv, "PUT", "/api/documents", body); w.Code != http.StatusOK {
		t.Fatalf("put status = %d", w.Code)
	}
	chunkID := pendingChunkID(t, srv)

	claimPath := fmt.Sprintf("/api/embeddings/%d/claim", chunkID)
	w, resp := doJSON(t, srv, "POST", claimPath, "")
	if w.Code != http.StatusOK {
		t.Fatalf("claim status = %d", w.Code)
	}
	token := resp["token"].(string)

	failPath := fmt.Sprintf("/api/embeddings/%d/fail", chunkID)
	if w, _ := doJSON(t, srv, "POST", failPath, `{"token":"`+token+`"}`); w.Code != http.StatusOK {
		t.Fatalf("fail status = %d", w.Code)
	}

	// Released chunk is claimable again right away.
	if w, _ := doJSON(t, srv, "POST", claimPath, ""); w.Code != http.StatusOK {
		t.Errorf("reclaim status = %d, want 200", w.Code)
	}
}

func TestEmbeddingEndpointValidation(t *testing.T) {
	srv, _ := testWorkerServer(t)

	if w, _ := doJSON(t, srv, "POST", "/api/embeddings/abc/claim", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad chunk id status = %d, want 400", w.Code)
	}
	if w, _ := doJSON(t, srv, "POST", "/api/embeddings/1/complete", `{"vector":[]}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty vector status = %d, want 400", w.Code)
	}
	if w, _ := doJSON(t, srv, "POST", "/api/embeddings/1/fail", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing token status = %d, want 400", w.Code)
	}
}

func TestHeartbeatWorkerFlow(t *testing.T) {
	srv, sched := testWorkerServer(t)

	body := `{"user_id":"alice","interval_seconds":600}`
	if w, _ := doJSON(t, srv, "POST", "/api/heartbeats", body); w.Code != http.StatusOK {
		t.Fatalf("configure status = %d", w.Code)
	}

	// Not due yet: nothing listed, claim refused.
	w, resp := doJSON(t, srv, "GET", "/api/heartbeats/due", "")
	if items, _ := resp["due"].([]any); len(items) != 0 {
		t.Errorf("due before schedule = %v", items)
	}
	if w, _ = doJSON(t, srv, "POST", "/api/heartbeats/claim", `{"user_id":"alice"}`); w.Code != http.StatusConflict {
		t.Errorf("early claim status = %d, want 409", w.Code)
	}

	// Shift the scheduler's clock past next_run.
	sched.Clock = &offsetClock{offset: 20 * time.Minute}

	w, resp = doJSON(t, srv, "GET", "/api/heartbeats/due", "")
	if items, _ := resp["due"].([]any); len(items) != 1 {
		t.Fatalf("due after shift = %v", resp)
	}

	w, resp = doJSON(t, srv, "POST", "/api/heartbeats/claim", `{"user_id":"alice"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("claim status = %d; body: %s", w.Code, w.Body.String())
	}
	hbID := int64(resp["heartbeat_id"].(float64))
	token := resp["token"].(string)

	// Rival claim loses while the lease holds.
	if w, _ := doJSON(t, srv, "POST", "/api/heartbeats/claim", `{"user_id":"alice"}`); w.Code != http.StatusConflict {
		t.Errorf("rival claim status = %d, want 409", w.Code)
	}

	completePath := fmt.Sprintf("/api/heartbeats/%d/complete", hbID)
	completeBody := fmt.Sprintf(`{"token":%q,"success":true,"checks":{"email":1000}}`, token)
	w, resp = doJSON(t, srv, "POST", completePath, completeBody)
	if w.Code != http.StatusOK {
		t.Fatalf("complete status = %d; body: %s", w.Code, w.Body.String())
	}

	// Stale token after completion changes nothing.
	if w, _ := doJSON(t, srv, "POST", completePath, completeBody); w.Code != http.StatusConflict {
		t.Errorf("stale complete status = %d, want 409", w.Code)
	}

	w, resp = doJSON(t, srv, "GET", "/api/heartbeats?user_id=alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if resp["state"] != "idle" {
		t.Errorf("state after complete = %v", resp["state"])
	}
	checks, _ := resp["last_checks"].(map[string]any)
	if checks["email"] != float64(1000) {
		t.Errorf("last_checks = %v", resp["last_checks"])
	}
}
