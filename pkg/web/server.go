package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/betagate/pkg/enforcer"
	"github.com/umputun/betagate/pkg/evidence"
	"github.com/umputun/betagate/pkg/notify"
	"github.com/umputun/betagate/pkg/orchestrator"
	"github.com/umputun/betagate/pkg/phase"
	"github.com/umputun/betagate/pkg/store"
)

// ServerConfig holds configuration for the web server.
type ServerConfig struct {
	Port    int    // port to listen on
	Version string // reported by the ready endpoint
}

// Server provides the rollout HTTP API and SSE event stream.
type Server struct {
	cfg      ServerConfig
	orch     *orchestrator.Orchestrator
	enf      *enforcer.Enforcer
	store    *store.Store
	evidence *evidence.Collector
	hub      *Hub
	buffer   *Buffer
	srv      *http.Server
}

// NewServer creates a new web server.
func NewServer(cfg ServerConfig, orch *orchestrator.Orchestrator, enf *enforcer.Enforcer,
	st *store.Store, ev *evidence.Collector) *Server {
	return &Server{
		cfg:      cfg,
		orch:     orch,
		enf:      enf,
		store:    st,
		evidence: ev,
		hub:      NewHub(),
		buffer:   NewBuffer(0),
	}
}

// Publish records an event in the replay buffer and broadcasts it to
// connected SSE clients.
func (s *Server) Publish(e Event) {
	s.buffer.Add(e)
	s.hub.Broadcast(e)
}

// PublishTransition publishes a phase transition notification as an event.
// wired as the orchestrator's OnEvent callback.
func (s *Server) PublishTransition(tr notify.Transition) {
	s.Publish(NewTransitionEvent(tr))
}

// Start begins listening for HTTP requests.
// blocks until the server is stopped or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// start shutdown listener
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("http server: %w", err)
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	s.hub.Close()
	return nil
}

// Hub returns the server's event hub.
func (s *Server) Hub() *Hub { return s.hub }

// Buffer returns the server's event buffer.
func (s *Server) Buffer() *Buffer { return s.buffer }

func (s *Server) router() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/beta/summary", s.handleSummary)
	mux.HandleFunc("GET /api/beta/phase/{phase}", s.handlePhase)
	mux.HandleFunc("POST /api/beta/phase/{phase}/start", s.handleStart)
	mux.HandleFunc("POST /api/beta/phase/{phase}/transition", s.handleTransition)
	mux.HandleFunc("POST /api/beta/phase/advance", s.handleAdvance)
	mux.HandleFunc("POST /api/beta/phase/revert", s.handleRevert)
	mux.HandleFunc("POST /api/beta/evidence/{phase}", s.handleEvidence)
	mux.HandleFunc("POST /api/beta/critical-path/enforce/{phase}", s.handleEnforce)
	mux.HandleFunc("GET /api/beta/critical-path/monitor/{phase}", s.handleMonitor)
	mux.HandleFunc("POST /api/beta/critical-path/validate-transition", s.handleValidateTransition)
	mux.HandleFunc("GET /api/beta/ready", s.handleReady)
	mux.HandleFunc("GET /events", s.handleEvents)

	return mux
}

// handleSummary serves the rollout-wide overview.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	ov, err := s.orch.Summary(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ov)
}

// phaseDetail is the response of the single-phase endpoint.
type phaseDetail struct {
	Phase        phase.Phase            `json:"phase"`
	Ring         string                 `json:"ring"`
	Status       phase.Status           `json:"status"`
	Current      bool                   `json:"current"`
	Times        store.Times            `json:"times"`
	Evidence     evidence.Summary       `json:"evidence"`
	Requirements []evidence.Requirement `json:"requirements"`
}

func (s *Server) handlePhase(w http.ResponseWriter, r *http.Request) {
	p, ok := s.phaseParam(w, r)
	if !ok {
		return
	}

	st, err := s.store.Load()
	if err != nil {
		s.writeError(w, err)
		return
	}
	sum, err := s.evidence.Summary(p)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, phaseDetail{
		Phase:        p,
		Ring:         p.Ring(),
		Status:       st.PhaseStatuses[p],
		Current:      st.CurrentPhase == p,
		Times:        st.PhaseTimes[p],
		Evidence:     sum,
		Requirements: s.evidence.Requirements(p),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	p, ok := s.phaseParam(w, r)
	if !ok {
		return
	}
	st, err := s.orch.StartPhase(r.Context(), p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	p, ok := s.phaseParam(w, r)
	if !ok {
		return
	}

	var req struct {
		To string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &phase.ValidationError{Op: "transition", Field: "body", Reason: "invalid json"})
		return
	}
	to, err := phase.ParseStatus(req.To)
	if err != nil {
		s.writeError(w, err)
		return
	}

	st, err := s.orch.TransitionPhase(r.Context(), p, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	st, err := s.orch.AdvancePhase(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body means no reason
	}

	st, err := s.orch.RevertPhase(r.Context(), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	p, ok := s.phaseParam(w, r)
	if !ok {
		return
	}

	var req struct {
		Requirement string         `json:"requirement"`
		Data        map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &phase.ValidationError{Op: "store evidence", Field: "body", Reason: "invalid json"})
		return
	}

	rec, err := s.evidence.Store(p, req.Requirement, req.Data)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.Publish(NewEvidenceEvent(p, fmt.Sprintf("evidence stored: %s (valid=%v)", rec.Kind, rec.Valid)))
	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleEnforce(w http.ResponseWriter, r *http.Request) {
	p, ok := s.phaseParam(w, r)
	if !ok {
		return
	}

	var req struct {
		ProcessType string         `json:"process_type"`
		Data        map[string]any `json:"data"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body means default process type
	}
	if req.ProcessType == "" {
		req.ProcessType = string(enforcer.CriticalPath)
	}
	pt, err := enforcer.ParseType(req.ProcessType)
	if err != nil {
		s.writeError(w, err)
		return
	}

	rec, err := s.enf.Enforce(r.Context(), pt, p, req.Data)
	if rec.ID != "" { // blocked and failed runs are recorded too
		s.Publish(NewProcessEvent(rec))
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// monitorResponse is the response of the critical-path monitor endpoint.
type monitorResponse struct {
	Phase     phase.Phase           `json:"phase"`
	Ring      string                `json:"ring"`
	Status    phase.Status          `json:"status"`
	Evidence  evidence.Summary      `json:"evidence"`
	Processes []store.ProcessRecord `json:"processes"`
	Events    []Event               `json:"events"`
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	p, ok := s.phaseParam(w, r)
	if !ok {
		return
	}

	st, err := s.store.Load()
	if err != nil {
		s.writeError(w, err)
		return
	}
	sum, err := s.evidence.Summary(p)
	if err != nil {
		s.writeError(w, err)
		return
	}

	procs := make([]store.ProcessRecord, 0, len(st.Processes))
	for _, rec := range st.Processes {
		if rec.Phase == p {
			procs = append(procs, rec)
		}
	}

	s.writeJSON(w, http.StatusOK, monitorResponse{
		Phase:     p,
		Ring:      p.Ring(),
		Status:    st.PhaseStatuses[p],
		Evidence:  sum,
		Processes: procs,
		Events:    s.buffer.ByPhase(p),
	})
}

func (s *Server) handleValidateTransition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phase string `json:"phase"`
		From  string `json:"from"`
		To    string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &phase.ValidationError{Op: "validate transition", Field: "body", Reason: "invalid json"})
		return
	}

	p, err := phase.Parse(req.Phase)
	if err != nil {
		s.writeError(w, err)
		return
	}
	to, err := phase.ParseStatus(req.To)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var from phase.Status
	if req.From != "" {
		if from, err = phase.ParseStatus(req.From); err != nil {
			s.writeError(w, err)
			return
		}
	} else {
		st, loadErr := s.store.Load()
		if loadErr != nil {
			s.writeError(w, loadErr)
			return
		}
		from = st.PhaseStatuses[p]
	}

	if err := phase.CheckTransition(p, from, to); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"allowed": true, "phase": p, "from": from, "to": to,
	})
}

// handleReady reports rollout health: state file, evidence chain and stuck
// processes. returns 503 when any check fails.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	report, err := s.enf.Verify()
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusOK
	if !report.OK {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{"version": s.cfg.Version, "report": report})
}

// handleEvents serves the SSE stream: buffered history first, then live events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	eventCh := s.hub.Subscribe()
	defer s.hub.Unsubscribe(eventCh)

	// send history first
	for _, event := range s.buffer.All() {
		data, err := event.JSON()
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
	}
	flusher.Flush()

	for {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return // channel closed
			}
			data, err := event.JSON()
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// phaseParam parses the {phase} path value, writing the error response on
// failure.
func (s *Server) phaseParam(w http.ResponseWriter, r *http.Request) (phase.Phase, bool) {
	p, err := phase.Parse(r.PathValue("phase"))
	if err != nil {
		s.writeError(w, err)
		return "", false
	}
	return p, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[WARN] encode response: %v", err)
	}
}

// writeError maps domain errors to HTTP responses: validation failures to
// 400, blocked processes to 400 with the blocking factors listed, version
// conflicts to 409 and everything else to 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *phase.ValidationError
	var berr *enforcer.BlockedError

	switch {
	case errors.As(err, &berr):
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"detail": berr.Error(), "code": "blocked", "blocking_factors": berr.Blocking,
		})
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"detail": verr.Error(), "code": "validation"})
	case errors.Is(err, store.ErrVersionConflict):
		s.writeJSON(w, http.StatusConflict, map[string]any{"detail": err.Error(), "code": "conflict"})
	default:
		log.Printf("[WARN] request failed: %v", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": err.Error(), "code": "internal"})
	}
}
