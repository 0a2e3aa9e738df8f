// Package orchestrator drives the rollout phase lifecycle: starting phases,
// validating progression against collected evidence, and advancing or
// reverting the current phase. every mutation goes through the state store's
// Mutate transaction, so concurrent API calls serialize on the state file.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/betagate/pkg/evidence"
	"github.com/umputun/betagate/pkg/notify"
	"github.com/umputun/betagate/pkg/phase"
	"github.com/umputun/betagate/pkg/store"
)

// defaultCoverageMin is the minimum code_coverage value evidence must carry
// before a phase can progress.
const defaultCoverageMin = 80.0

// Notifier sends transition notifications to stakeholders.
type Notifier interface {
	Send(ctx context.Context, tr notify.Transition)
}

// Orchestrator manages phase transitions for the rollout.
type Orchestrator struct {
	store    *store.Store
	evidence *evidence.Collector
	notifier Notifier
	holder   *phase.Holder

	coverageMin float64

	// OnEvent, if set, is called after every committed transition.
	// used to publish server-sent events without an import cycle.
	OnEvent func(tr notify.Transition)
}

// New creates an orchestrator. notifier may be nil.
func New(st *store.Store, ev *evidence.Collector, n Notifier) (*Orchestrator, error) {
	cur, err := st.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return &Orchestrator{
		store:       st,
		evidence:    ev,
		notifier:    n,
		holder:      phase.NewHolder(cur.CurrentPhase),
		coverageMin: defaultCoverageMin,
	}, nil
}

// Holder returns the current-phase holder, shared with components that need
// the active phase without reading the state file.
func (o *Orchestrator) Holder() *phase.Holder { return o.holder }

// StartPhase marks p as the current phase and sets it IN_PROGRESS.
// all prior phases must be completed; skipping ahead is rejected.
func (o *Orchestrator) StartPhase(ctx context.Context, p phase.Phase) (store.State, error) {
	if !p.Valid() {
		return store.State{}, &phase.ValidationError{Op: "start", Field: "phase", Reason: fmt.Sprintf("unknown phase %q", string(p))}
	}

	st, err := o.store.Mutate(ctx, func(st *store.State) error {
		if st.Completed(p) {
			return &phase.ValidationError{Op: "start", Field: "phase",
				Reason: fmt.Sprintf("phase %s already completed, reopen it with an explicit transition", p)}
		}
		for _, prior := range phase.All() {
			if prior == p {
				break
			}
			if !st.Completed(prior) {
				return &phase.ValidationError{Op: "start", Field: "phase",
					Reason: fmt.Sprintf("cannot skip to phase %s, phase %s not completed", p, prior)}
			}
		}
		if err := phase.CheckTransition(p, st.PhaseStatuses[p], phase.StatusInProgress); err != nil {
			return err
		}

		st.CurrentPhase = p
		st.PhaseStatuses[p] = phase.StatusInProgress
		now := time.Now()
		t := st.PhaseTimes[p]
		t.Started = &now
		st.PhaseTimes[p] = t
		return nil
	})
	if err != nil {
		return store.State{}, err
	}

	o.holder.Set(p)
	o.publish(ctx, notify.Transition{
		Event: "started", Phase: string(p), Ring: p.Ring(),
		To: string(phase.StatusInProgress), EvidencePct: o.evidencePct(p), Timestamp: time.Now(),
	})
	log.Printf("[INFO] phase %s started", p)
	return st, nil
}

// TransitionPhase applies an explicit status transition for p, validated
// against the allowed transition table. completing a phase through here
// records it in the completed list; reopening a completed phase removes it.
func (o *Orchestrator) TransitionPhase(ctx context.Context, p phase.Phase, to phase.Status) (store.State, error) {
	if !p.Valid() {
		return store.State{}, &phase.ValidationError{Op: "transition", Field: "phase", Reason: fmt.Sprintf("unknown phase %q", string(p))}
	}

	var from phase.Status
	st, err := o.store.Mutate(ctx, func(st *store.State) error {
		from = st.PhaseStatuses[p]
		if err := phase.CheckTransition(p, from, to); err != nil {
			return err
		}
		st.PhaseStatuses[p] = to

		now := time.Now()
		switch {
		case to == phase.StatusCompleted:
			if !st.Completed(p) {
				st.CompletedPhases = append(st.CompletedPhases, p)
			}
			t := st.PhaseTimes[p]
			t.Completed = &now
			st.PhaseTimes[p] = t
		case from == phase.StatusCompleted: // reopened
			st.CompletedPhases = removePhase(st.CompletedPhases, p)
			t := st.PhaseTimes[p]
			t.Completed = nil
			st.PhaseTimes[p] = t
		}
		return nil
	})
	if err != nil {
		return store.State{}, err
	}

	event := "transitioned"
	if from == phase.StatusCompleted && to == phase.StatusInProgress {
		event = "reopened"
	}
	o.publish(ctx, notify.Transition{
		Event: event, Phase: string(p), Ring: p.Ring(),
		From: string(from), To: string(to), EvidencePct: o.evidencePct(p), Timestamp: time.Now(),
	})
	log.Printf("[INFO] phase %s: %s -> %s", p, from, to)
	return st, nil
}

// AdvancePhase completes the current phase and moves the rollout to the next
// one. refused unless ValidateProgression reports the phase can progress.
func (o *Orchestrator) AdvancePhase(ctx context.Context) (store.State, error) {
	prog, err := o.ValidateProgression(ctx)
	if err != nil {
		return store.State{}, err
	}
	if !prog.CanProgress {
		return store.State{}, &phase.ValidationError{Op: "advance", Field: "phase",
			Reason: fmt.Sprintf("phase %s cannot progress: %s", prog.Phase, joinReasons(prog.Reasons))}
	}

	var cur, next phase.Phase
	var last bool
	st, err := o.store.Mutate(ctx, func(st *store.State) error {
		cur = st.CurrentPhase
		if err := checkVia(cur, st.PhaseStatuses[cur], phase.StatusCompleted); err != nil {
			return err
		}

		now := time.Now()
		st.PhaseStatuses[cur] = phase.StatusCompleted
		if !st.Completed(cur) {
			st.CompletedPhases = append(st.CompletedPhases, cur)
		}
		t := st.PhaseTimes[cur]
		t.Completed = &now
		st.PhaseTimes[cur] = t

		n, ok := cur.Next()
		if !ok {
			last = true
			return nil
		}
		next = n
		st.CurrentPhase = next
		st.PhaseStatuses[next] = phase.StatusInProgress
		nt := st.PhaseTimes[next]
		nt.Started = &now
		st.PhaseTimes[next] = nt
		return nil
	})
	if err != nil {
		return store.State{}, err
	}

	if last {
		o.publish(ctx, notify.Transition{
			Event: "completed", Phase: string(cur), Ring: cur.Ring(),
			From: string(phase.StatusInProgress), To: string(phase.StatusCompleted),
			EvidencePct: prog.CompletionPct, Detail: "rollout complete", Timestamp: time.Now(),
		})
		log.Printf("[INFO] final phase %s completed, rollout done", cur)
		return st, nil
	}

	o.holder.Set(next)
	o.publish(ctx, notify.Transition{
		Event: "advanced", Phase: string(next), Ring: next.Ring(),
		From: string(cur), To: string(next), EvidencePct: o.evidencePct(next), Timestamp: time.Now(),
	})
	log.Printf("[INFO] advanced %s -> %s", cur, next)
	return st, nil
}

// RevertPhase rolls the rollout back one phase: the current phase is marked
// FAILED and the previous phase becomes current again, reopened IN_PROGRESS
// and removed from the completed list.
func (o *Orchestrator) RevertPhase(ctx context.Context, reason string) (store.State, error) {
	var cur, prev phase.Phase
	st, err := o.store.Mutate(ctx, func(st *store.State) error {
		cur = st.CurrentPhase
		p, ok := cur.Prev()
		if !ok {
			return &phase.ValidationError{Op: "revert", Field: "phase",
				Reason: fmt.Sprintf("phase %s is the first phase, nothing to revert to", cur)}
		}
		prev = p

		if err := checkVia(cur, st.PhaseStatuses[cur], phase.StatusFailed); err != nil {
			return err
		}
		if err := phase.CheckTransition(prev, st.PhaseStatuses[prev], phase.StatusInProgress); err != nil {
			return err
		}

		st.PhaseStatuses[cur] = phase.StatusFailed
		st.PhaseStatuses[prev] = phase.StatusInProgress
		st.CurrentPhase = prev
		st.CompletedPhases = removePhase(st.CompletedPhases, prev)
		t := st.PhaseTimes[prev]
		t.Completed = nil
		st.PhaseTimes[prev] = t
		return nil
	})
	if err != nil {
		return store.State{}, err
	}

	o.holder.Set(prev)
	o.publish(ctx, notify.Transition{
		Event: "reverted", Phase: string(prev), Ring: prev.Ring(),
		From: string(cur), To: string(prev), EvidencePct: o.evidencePct(prev),
		Detail: reason, Timestamp: time.Now(),
	})
	log.Printf("[WARN] reverted %s -> %s: %s", cur, prev, reason)
	return st, nil
}

// Progression is the result of checking whether the current phase may
// advance: phase status, evidence summary, and the reasons blocking it.
type Progression struct {
	Phase          phase.Phase  `json:"phase"`
	Status         phase.Status `json:"status"`
	EvidenceStatus string       `json:"evidence_status"`
	CompletionPct  float64      `json:"completion_pct"`
	CanProgress    bool         `json:"can_progress"`
	Reasons        []string     `json:"reasons,omitempty"`
}

// ValidateProgression checks whether the current phase is ready to advance:
// the phase must be IN_PROGRESS or VALIDATING, its evidence fully validated,
// and the phase requirements (coverage, test results) met.
func (o *Orchestrator) ValidateProgression(_ context.Context) (Progression, error) {
	st, err := o.store.Load()
	if err != nil {
		return Progression{}, fmt.Errorf("load state: %w", err)
	}

	p := st.CurrentPhase
	status := st.PhaseStatuses[p]
	sum, err := o.evidence.Summary(p)
	if err != nil {
		return Progression{}, fmt.Errorf("evidence summary for %s: %w", p, err)
	}

	prog := Progression{Phase: p, Status: status, EvidenceStatus: sum.Status, CompletionPct: sum.CompletionPct}

	if status != phase.StatusInProgress && status != phase.StatusValidating {
		prog.Reasons = append(prog.Reasons, fmt.Sprintf("phase status is %s, must be %s or %s",
			status, phase.StatusInProgress, phase.StatusValidating))
	}
	if sum.Status != evidence.SummaryValidated {
		prog.Reasons = append(prog.Reasons, fmt.Sprintf("evidence is %s at %.1f%%, must be %s",
			sum.Status, sum.CompletionPct, evidence.SummaryValidated))
	}
	unmet, err := o.ValidateRequirements(p)
	if err != nil {
		return Progression{}, err
	}
	prog.Reasons = append(prog.Reasons, unmet...)

	prog.CanProgress = len(prog.Reasons) == 0
	return prog, nil
}

// ValidateRequirements checks phase-level quality gates over the stored
// evidence: code coverage must reach the minimum, and the data safety phase
// must carry test results. returns the list of unmet requirements.
func (o *Orchestrator) ValidateRequirements(p phase.Phase) ([]string, error) {
	recs, err := o.evidence.Records(p)
	if err != nil {
		return nil, fmt.Errorf("read evidence for %s: %w", p, err)
	}

	var unmet []string

	coverage, found := 0.0, false
	hasTestResults := false
	for _, r := range recs {
		if v, ok := numField(r.Data, "code_coverage"); ok {
			found = true
			if v > coverage {
				coverage = v
			}
		}
		if _, ok := r.Data["test_results"]; ok {
			hasTestResults = true
		}
	}

	switch {
	case !found:
		unmet = append(unmet, fmt.Sprintf("no code_coverage evidence, minimum %.0f%% required", o.coverageMin))
	case coverage < o.coverageMin:
		unmet = append(unmet, fmt.Sprintf("code_coverage %.1f%% below minimum %.0f%%", coverage, o.coverageMin))
	}

	if p == phase.DataSafety && !hasTestResults {
		unmet = append(unmet, "data safety phase requires test_results evidence")
	}
	return unmet, nil
}

// Overview is the rollout-wide snapshot served by the summary endpoint.
type Overview struct {
	CurrentPhase    phase.Phase                      `json:"current_phase"`
	Ring            string                           `json:"ring"`
	CompletedPhases []phase.Phase                    `json:"completed_phases"`
	PhaseStatuses   map[phase.Phase]phase.Status     `json:"phase_statuses"`
	Evidence        map[phase.Phase]evidence.Summary `json:"evidence"`
	Version         int64                            `json:"version"`
	Timestamp       time.Time                        `json:"timestamp"`
}

// Summary returns the rollout overview: current phase and ring, per-phase
// statuses and evidence summaries.
func (o *Orchestrator) Summary(_ context.Context) (Overview, error) {
	st, err := o.store.Load()
	if err != nil {
		return Overview{}, fmt.Errorf("load state: %w", err)
	}

	ov := Overview{
		CurrentPhase:    st.CurrentPhase,
		Ring:            st.CurrentPhase.Ring(),
		CompletedPhases: st.CompletedPhases,
		PhaseStatuses:   st.PhaseStatuses,
		Evidence:        map[phase.Phase]evidence.Summary{},
		Version:         st.Version,
		Timestamp:       st.Timestamp,
	}
	for _, p := range phase.All() {
		sum, err := o.evidence.Summary(p)
		if err != nil {
			return Overview{}, fmt.Errorf("evidence summary for %s: %w", p, err)
		}
		ov.Evidence[p] = sum
	}
	return ov, nil
}

// publish delivers the transition to the notifier (fire and forget) and the
// OnEvent callback (synchronous, after commit).
func (o *Orchestrator) publish(ctx context.Context, tr notify.Transition) {
	if o.OnEvent != nil {
		o.OnEvent(tr)
	}
	if o.notifier == nil {
		return
	}
	go o.notifier.Send(context.WithoutCancel(ctx), tr)
}

// evidencePct returns the completion percentage for p, zero when the
// summary cannot be read.
func (o *Orchestrator) evidencePct(p phase.Phase) float64 {
	sum, err := o.evidence.Summary(p)
	if err != nil {
		log.Printf("[WARN] evidence summary for %s: %v", p, err)
		return 0
	}
	return sum.CompletionPct
}

// checkVia validates reaching to from the current status, stepping through
// VALIDATING when the table requires it. COMPLETED and FAILED are reachable
// only from VALIDATING, so advancing or reverting an IN_PROGRESS phase is a
// composition of two table-legal moves rather than a single direct jump.
func checkVia(p phase.Phase, from, to phase.Status) error {
	if from == phase.StatusValidating {
		return phase.CheckTransition(p, from, to)
	}
	if err := phase.CheckTransition(p, from, phase.StatusValidating); err != nil {
		return err
	}
	return phase.CheckTransition(p, phase.StatusValidating, to)
}

func removePhase(phases []phase.Phase, p phase.Phase) []phase.Phase {
	res := phases[:0]
	for _, c := range phases {
		if c != p {
			res = append(res, c)
		}
	}
	return res
}

func joinReasons(reasons []string) string {
	if len(reasons) == 0 {
		return "unknown reason"
	}
	res := reasons[0]
	for _, r := range reasons[1:] {
		res += "; " + r
	}
	return res
}

// numField extracts a numeric field from an evidence payload, accepting
// float64 or int as stored by JSON decoding.
func numField(data map[string]any, key string) (float64, bool) {
	v, ok := data[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
