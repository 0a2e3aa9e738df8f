package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/betagate/pkg/enforcer"
	"github.com/umputun/betagate/pkg/evidence"
	"github.com/umputun/betagate/pkg/orchestrator"
	"github.com/umputun/betagate/pkg/phase"
	"github.com/umputun/betagate/pkg/store"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, *evidence.Collector) {
	t.Helper()
	dir := t.TempDir()
	st := store.New(filepath.Join(dir, "state.json"))
	ev, err := evidence.New(filepath.Join(dir, "evidence"), "")
	require.NoError(t, err)
	orch, err := orchestrator.New(st, ev, nil)
	require.NoError(t, err)
	enf := enforcer.New(st, ev)

	srv := NewServer(ServerConfig{Port: 0, Version: "test"}, orch, enf, st, ev)
	orch.OnEvent = srv.PublishTransition

	ts := httptest.NewServer(srv.router())
	t.Cleanup(ts.Close)
	return srv, ts, ev
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data)) //nolint:gosec // test url
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var res map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return res
}

func TestServer_Summary(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/beta/summary")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "ONBOARDING", body["current_phase"])
	assert.Equal(t, "internal", body["ring"])
	ev, ok := body["evidence"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, ev, 4)
}

func TestServer_StartPhase(t *testing.T) {
	t.Run("starts current phase", func(t *testing.T) {
		_, ts, _ := newTestServer(t)
		resp := postJSON(t, ts.URL+"/api/beta/phase/onboarding/start", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		body := decodeBody(t, resp)
		statuses := body["phase_statuses"].(map[string]any)
		assert.Equal(t, "IN_PROGRESS", statuses["ONBOARDING"])
	})

	t.Run("rejects skipping ahead", func(t *testing.T) {
		_, ts, _ := newTestServer(t)
		resp := postJSON(t, ts.URL+"/api/beta/phase/data_safety/start", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		body := decodeBody(t, resp)
		assert.Equal(t, "validation", body["code"])
		assert.Contains(t, body["detail"], "cannot skip to phase DATA_SAFETY")
	})

	t.Run("rejects unknown phase", func(t *testing.T) {
		_, ts, _ := newTestServer(t)
		resp := postJSON(t, ts.URL+"/api/beta/phase/rollout/start", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "validation", decodeBody(t, resp)["code"])
	})
}

func TestServer_PhaseDetail(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/beta/phase/core_features")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "CORE_FEATURES", body["phase"])
	assert.Equal(t, "internal", body["ring"])
	assert.Equal(t, "NOT_STARTED", body["status"])
	assert.Equal(t, false, body["current"])
	reqs, ok := body["requirements"].([]any)
	require.True(t, ok)
	assert.Len(t, reqs, 2)
}

func TestServer_Evidence(t *testing.T) {
	t.Run("stores valid evidence", func(t *testing.T) {
		srv, ts, _ := newTestServer(t)
		resp := postJSON(t, ts.URL+"/api/beta/evidence/onboarding",
			map[string]any{"requirement": "signup_flow", "data": map[string]any{"success_rate": 97}})
		assert.Equal(t, http.StatusCreated, resp.StatusCode)

		body := decodeBody(t, resp)
		assert.Equal(t, true, body["valid"])
		assert.Equal(t, "signup_flow", body["requirement"])
		assert.Equal(t, 1, srv.Buffer().Count(), "evidence event published")
	})

	t.Run("records rule failure", func(t *testing.T) {
		_, ts, _ := newTestServer(t)
		resp := postJSON(t, ts.URL+"/api/beta/evidence/onboarding",
			map[string]any{"requirement": "signup_flow", "data": map[string]any{"success_rate": 10}})
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, false, decodeBody(t, resp)["valid"])
	})

	t.Run("rejects missing requirement kind", func(t *testing.T) {
		_, ts, _ := newTestServer(t)
		resp := postJSON(t, ts.URL+"/api/beta/evidence/onboarding", map[string]any{"data": map[string]any{}})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "validation", decodeBody(t, resp)["code"])
	})
}

func TestServer_AdvanceFlow(t *testing.T) {
	_, ts, ev := newTestServer(t)

	// blocked before any evidence
	resp := postJSON(t, ts.URL+"/api/beta/phase/onboarding/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/api/beta/phase/advance", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "validation", body["code"])
	assert.Contains(t, body["detail"], "cannot progress")

	// satisfy onboarding requirements and the coverage gate
	_, err := ev.Store(phase.Onboarding, "user_documentation", map[string]any{"guide": "g", "faq": "f"})
	require.NoError(t, err)
	_, err = ev.Store(phase.Onboarding, "signup_flow", map[string]any{"success_rate": 99})
	require.NoError(t, err)
	_, err = ev.Store(phase.Onboarding, "coverage_report", map[string]any{"code_coverage": 91.0})
	require.NoError(t, err)

	resp = postJSON(t, ts.URL+"/api/beta/phase/advance", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, "CORE_FEATURES", body["current_phase"])

	// revert back
	resp = postJSON(t, ts.URL+"/api/beta/phase/revert", map[string]any{"reason": "signup regression"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, "ONBOARDING", body["current_phase"])
	statuses := body["phase_statuses"].(map[string]any)
	assert.Equal(t, "FAILED", statuses["CORE_FEATURES"])
}

func TestServer_Transition(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/beta/phase/onboarding/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/api/beta/phase/onboarding/transition", map[string]any{"to": "VALIDATING"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	statuses := decodeBody(t, resp)["phase_statuses"].(map[string]any)
	assert.Equal(t, "VALIDATING", statuses["ONBOARDING"])

	resp = postJSON(t, ts.URL+"/api/beta/phase/onboarding/transition", map[string]any{"to": "NOT_STARTED"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", decodeBody(t, resp)["code"])
}

func TestServer_ValidateTransition(t *testing.T) {
	t.Run("allowed with explicit from", func(t *testing.T) {
		_, ts, _ := newTestServer(t)
		resp := postJSON(t, ts.URL+"/api/beta/critical-path/validate-transition",
			map[string]any{"phase": "onboarding", "from": "IN_PROGRESS", "to": "BLOCKED"})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, decodeBody(t, resp)["allowed"])
	})

	t.Run("from defaults to recorded status", func(t *testing.T) {
		_, ts, _ := newTestServer(t)
		resp := postJSON(t, ts.URL+"/api/beta/critical-path/validate-transition",
			map[string]any{"phase": "onboarding", "to": "IN_PROGRESS"})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body := decodeBody(t, resp)
		assert.Equal(t, true, body["allowed"])
		assert.Equal(t, "NOT_STARTED", body["from"])
	})

	t.Run("rejected transition names both statuses", func(t *testing.T) {
		_, ts, _ := newTestServer(t)
		resp := postJSON(t, ts.URL+"/api/beta/critical-path/validate-transition",
			map[string]any{"phase": "onboarding", "from": "NOT_STARTED", "to": "COMPLETED"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		body := decodeBody(t, resp)
		assert.Contains(t, body["detail"], "NOT_STARTED")
		assert.Contains(t, body["detail"], "COMPLETED")
	})
}

func TestServer_Enforce(t *testing.T) {
	t.Run("documentation blocked lists all factors", func(t *testing.T) {
		srv, ts, _ := newTestServer(t)
		resp := postJSON(t, ts.URL+"/api/beta/critical-path/enforce/onboarding",
			map[string]any{"process_type": "DOCUMENTATION"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		body := decodeBody(t, resp)
		assert.Equal(t, "blocked", body["code"])
		factors, ok := body["blocking_factors"].([]any)
		require.True(t, ok)
		assert.ElementsMatch(t, []any{"VALIDATION", "EVIDENCE_COLLECTION", "CRITICAL_PATH"}, factors)
		assert.Equal(t, 1, srv.Buffer().Count(), "blocked run still published")
	})

	t.Run("validation completes", func(t *testing.T) {
		_, ts, _ := newTestServer(t)
		resp := postJSON(t, ts.URL+"/api/beta/critical-path/enforce/onboarding",
			map[string]any{"process_type": "VALIDATION"})
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		body := decodeBody(t, resp)
		assert.Equal(t, "COMPLETED", body["status"])
		assert.Regexp(t, `^PROC-\d+-[0-9a-f]{8}$`, body["process_id"])
	})

	t.Run("defaults to critical path", func(t *testing.T) {
		_, ts, _ := newTestServer(t)
		resp := postJSON(t, ts.URL+"/api/beta/critical-path/enforce/onboarding", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		body := decodeBody(t, resp)
		assert.Equal(t, "blocked", body["code"])
		assert.Equal(t, []any{"VALIDATION"}, body["blocking_factors"])
	})

	t.Run("unknown process type rejected", func(t *testing.T) {
		_, ts, _ := newTestServer(t)
		resp := postJSON(t, ts.URL+"/api/beta/critical-path/enforce/onboarding",
			map[string]any{"process_type": "DEPLOYMENT"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "validation", decodeBody(t, resp)["code"])
	})
}

func TestServer_Monitor(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/beta/critical-path/enforce/onboarding",
		map[string]any{"process_type": "VALIDATION"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/api/beta/critical-path/monitor/onboarding")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "ONBOARDING", body["phase"])
	procs, ok := body["processes"].([]any)
	require.True(t, ok)
	require.Len(t, procs, 1)
	events, ok := body["events"].([]any)
	require.True(t, ok)
	assert.Len(t, events, 1)
}

func TestServer_Ready(t *testing.T) {
	_, ts, _ := newTestServer(t)

	// no state file yet, not ready
	resp, err := http.Get(ts.URL + "/api/beta/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()

	// any write creates the state file
	r := postJSON(t, ts.URL+"/api/beta/phase/onboarding/start", nil)
	require.Equal(t, http.StatusOK, r.StatusCode)
	r.Body.Close()

	resp, err = http.Get(ts.URL + "/api/beta/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "test", body["version"])
	report := body["report"].(map[string]any)
	assert.Equal(t, true, report["ok"])
}

func TestServer_Events(t *testing.T) {
	srv, ts, _ := newTestServer(t)
	srv.Publish(NewEvidenceEvent(phase.Onboarding, "historic event"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", http.NoBody)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "historic event")

	// live event reaches the subscribed client
	require.Eventually(t, func() bool { return srv.Hub().ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	srv.Publish(NewEvidenceEvent(phase.Onboarding, "live event"))

	found := false
	for !found {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if bytes.Contains([]byte(line), []byte("live event")) {
			found = true
		}
	}
	assert.True(t, found)
}

func TestServer_StartStop(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.cfg.Port = 0 // any free port would do, but 0 makes ListenAndServe pick one

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.NoError(t, srv.Stop())
}

func TestServer_ErrorMapping(t *testing.T) {
	_, ts, _ := newTestServer(t)

	// malformed json body
	resp, err := http.Post(ts.URL+"/api/beta/phase/onboarding/transition", "application/json",
		bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "validation", body["code"])
	assert.Contains(t, fmt.Sprint(body["detail"]), "invalid json")
}
