// Package enforcer gates named enforcement processes behind completion of
// their prerequisite processes for the same phase. process runs are recorded
// in the shared rollout state, so the process log survives restarts and is
// visible to the dashboard and verification checks.
package enforcer

import (
	"context"
	"crypto/md5" //nolint:gosec // md5 used for short non-cryptographic process IDs
	"fmt"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/betagate/pkg/evidence"
	"github.com/umputun/betagate/pkg/phase"
	"github.com/umputun/betagate/pkg/store"
)

// Type is a named unit of enforcement work.
type Type string

// process types.
const (
	Validation         Type = "VALIDATION"
	Maintenance        Type = "MAINTENANCE"
	EvidenceCollection Type = "EVIDENCE_COLLECTION"
	CriticalPath       Type = "CRITICAL_PATH"
	Documentation      Type = "DOCUMENTATION"
)

// State is the lifecycle state of a process run.
type State string

// process states.
const (
	StateNotStarted State = "NOT_STARTED"
	StateInProgress State = "IN_PROGRESS"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateBlocked    State = "BLOCKED"
)

// prerequisites maps each process type to the types that must have COMPLETED
// for the same phase before it may start.
var prerequisites = map[Type][]Type{
	CriticalPath:  {Validation},
	Documentation: {Validation, EvidenceCollection, CriticalPath},
}

// defaultStuckAfter is how long an in-progress process may run before the
// verification pass flags it as stuck, unless overridden with StuckAfter.
const defaultStuckAfter = time.Hour

// ParseType converts a string to a process Type, accepting any case.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case Validation, Maintenance, EvidenceCollection, CriticalPath, Documentation:
		return t, nil
	}
	return "", &phase.ValidationError{Op: "parse process type", Reason: fmt.Sprintf("unknown process type %q", s)}
}

// BlockedError reports a process rejected because prerequisites are not done.
// Blocking always lists every missing prerequisite, not just the first one.
type BlockedError struct {
	Process  Type
	Phase    phase.Phase
	Blocking []Type
}

// Error implements the error interface.
func (e *BlockedError) Error() string {
	names := make([]string, len(e.Blocking))
	for i, t := range e.Blocking {
		names[i] = string(t)
	}
	return fmt.Sprintf("process %s blocked for phase %s: waiting on %s",
		e.Process, e.Phase, strings.Join(names, ", "))
}

// Enforcer runs gated processes and records them in the shared state.
type Enforcer struct {
	store      *store.Store
	evidence   *evidence.Collector
	executors  map[Type]executor
	stuckAfter time.Duration
	now        func() time.Time // swappable in tests
}

// executor runs the actual work of one process type.
type executor func(ctx context.Context, p phase.Phase, data map[string]any) (map[string]any, error)

// Option alters enforcer construction.
type Option func(*Enforcer)

// StuckAfter overrides how long an in-progress process may run before the
// verification pass flags it as stuck. non-positive values are ignored.
func StuckAfter(d time.Duration) Option {
	return func(e *Enforcer) {
		if d > 0 {
			e.stuckAfter = d
		}
	}
}

// New creates an Enforcer over the given store and evidence collector.
func New(st *store.Store, ev *evidence.Collector, opts ...Option) *Enforcer {
	e := &Enforcer{store: st, evidence: ev, stuckAfter: defaultStuckAfter, now: time.Now}
	e.executors = map[Type]executor{
		Validation:         e.runValidation,
		Maintenance:        e.runMaintenance,
		EvidenceCollection: e.runEvidenceCollection,
		CriticalPath:       e.runCriticalPath,
		Documentation:      e.runDocumentation,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enforce checks prerequisites, runs the process, and records the run in the
// shared state. a blocked process returns a BlockedError naming every missing
// prerequisite and leaves a BLOCKED record behind.
func (e *Enforcer) Enforce(ctx context.Context, t Type, p phase.Phase, data map[string]any) (store.ProcessRecord, error) {
	if _, ok := e.executors[t]; !ok {
		return store.ProcessRecord{}, &phase.ValidationError{Op: "enforce process", Reason: fmt.Sprintf("unknown process type %q", t)}
	}
	if !p.Valid() {
		return store.ProcessRecord{}, &phase.ValidationError{Op: "enforce process", Reason: fmt.Sprintf("unknown phase %q", p)}
	}

	rec := store.ProcessRecord{
		ID:        e.processID(t, p),
		Type:      string(t),
		Phase:     p,
		StartTime: e.now(),
	}

	// check prerequisites against the recorded process log
	st, err := e.store.Load()
	if err != nil {
		return store.ProcessRecord{}, fmt.Errorf("load state: %w", err)
	}
	blocking := e.missingPrerequisites(&st, t, p)
	if len(blocking) > 0 {
		rec.Status = string(StateBlocked)
		rec.Error = (&BlockedError{Process: t, Phase: p, Blocking: blocking}).Error()
		if _, saveErr := e.record(ctx, rec); saveErr != nil {
			log.Printf("[WARN] record blocked process %s: %v", rec.ID, saveErr)
		}
		return rec, &BlockedError{Process: t, Phase: p, Blocking: blocking}
	}

	// record start before executing so a crash leaves a visible in-progress run
	rec.Status = string(StateInProgress)
	if _, err := e.record(ctx, rec); err != nil {
		return store.ProcessRecord{}, err
	}

	result, execErr := e.executors[t](ctx, p, data)
	end := e.now()
	rec.EndTime = &end
	if execErr != nil {
		rec.Status = string(StateFailed)
		rec.Error = execErr.Error()
	} else {
		rec.Status = string(StateCompleted)
		rec.Result = result
	}

	if _, err := e.record(ctx, rec); err != nil {
		return store.ProcessRecord{}, err
	}
	if execErr != nil {
		return rec, fmt.Errorf("process %s failed: %w", rec.ID, execErr)
	}

	log.Printf("[INFO] process %s (%s) completed for phase %s", rec.ID, t, p)
	return rec, nil
}

// missingPrerequisites returns prerequisite types without a COMPLETED run for
// the same phase, in declaration order.
func (e *Enforcer) missingPrerequisites(st *store.State, t Type, p phase.Phase) []Type {
	var missing []Type
	for _, pre := range prerequisites[t] {
		done := false
		for _, rec := range st.Processes {
			if rec.Phase == p && rec.Type == string(pre) && rec.Status == string(StateCompleted) {
				done = true
				break
			}
		}
		if !done {
			missing = append(missing, pre)
		}
	}
	return missing
}

// record upserts a process record in the shared state.
func (e *Enforcer) record(ctx context.Context, rec store.ProcessRecord) (store.State, error) {
	st, err := e.store.Mutate(ctx, func(st *store.State) error {
		st.Processes[rec.ID] = rec
		return nil
	})
	if err != nil {
		return store.State{}, fmt.Errorf("record process %s: %w", rec.ID, err)
	}
	return st, nil
}

// processID generates an ID as PROC-<unix-ts>-<md5-8char>.
func (e *Enforcer) processID(t Type, p phase.Phase) string {
	ts := e.now().Unix()
	sum := md5.Sum([]byte(fmt.Sprintf("%s-%s-%d", t, p, e.now().UnixNano()))) //nolint:gosec // non-cryptographic ID
	return fmt.Sprintf("PROC-%d-%x", ts, sum[:4])
}

// runValidation validates stored evidence coverage for the phase.
func (e *Enforcer) runValidation(_ context.Context, p phase.Phase, _ map[string]any) (map[string]any, error) {
	sum, err := e.evidence.Summary(p)
	if err != nil {
		return nil, fmt.Errorf("evidence summary: %w", err)
	}
	return map[string]any{
		"executed":       true,
		"evidence_state": sum.Status,
		"completion_pct": sum.CompletionPct,
	}, nil
}

// runEvidenceCollection stores evidence payloads passed in the process
// context, one per requirement key.
func (e *Enforcer) runEvidenceCollection(_ context.Context, p phase.Phase, data map[string]any) (map[string]any, error) {
	stored := 0
	for kind, raw := range data {
		payload, ok := raw.(map[string]any)
		if !ok {
			return nil, &phase.ValidationError{Op: "evidence collection", Field: kind, Reason: "evidence payload must be an object"}
		}
		if _, err := e.evidence.Store(p, kind, payload); err != nil {
			return nil, fmt.Errorf("store evidence %s: %w", kind, err)
		}
		stored++
	}
	return map[string]any{"executed": true, "stored": stored}, nil
}

// runCriticalPath verifies the phase ordering invariant: every phase before p
// must be completed in the rollout state.
func (e *Enforcer) runCriticalPath(_ context.Context, p phase.Phase, _ map[string]any) (map[string]any, error) {
	st, err := e.store.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	for _, prior := range phase.All() {
		if prior.Index() >= p.Index() {
			break
		}
		if !st.Completed(prior) {
			return nil, &phase.ValidationError{
				Op:     "critical path check",
				Reason: fmt.Sprintf("phase %s not completed before %s", prior, p),
			}
		}
	}
	return map[string]any{"executed": true, "ordered": true}, nil
}

// runMaintenance has no work of its own; the run record is the point.
func (e *Enforcer) runMaintenance(_ context.Context, _ phase.Phase, _ map[string]any) (map[string]any, error) {
	return map[string]any{"executed": true}, nil
}

// runDocumentation has no work of its own; the run record is the point.
func (e *Enforcer) runDocumentation(_ context.Context, _ phase.Phase, _ map[string]any) (map[string]any, error) {
	return map[string]any{"executed": true}, nil
}
