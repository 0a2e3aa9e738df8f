package enforcer

import (
	"fmt"
	"os"

	"github.com/umputun/betagate/pkg/phase"
)

// VerifyReport is the result of a single-source-of-truth verification pass.
type VerifyReport struct {
	StateFileOK   bool          `json:"state_file_ok"`
	BrokenChain   []phase.Phase `json:"broken_evidence_chain,omitempty"`
	StuckIDs      []string      `json:"stuck_processes,omitempty"`
	UndocPhases   []phase.Phase `json:"undocumented_phases,omitempty"`
	OK            bool          `json:"ok"`
	CheckedPhases int           `json:"checked_phases"`
}

// Verify sanity-checks the rollout state: the state file exists, every
// completed phase has a validated evidence chain, no in-progress process has
// been running past the stuck threshold, and every completed phase has a completed
// documentation run. the stuck check is measured against the current clock.
func (e *Enforcer) Verify() (VerifyReport, error) {
	rep := VerifyReport{CheckedPhases: len(phase.All())}

	if _, err := os.Stat(e.store.Path()); err == nil {
		rep.StateFileOK = true
	}

	st, err := e.store.Load()
	if err != nil {
		return rep, fmt.Errorf("load state: %w", err)
	}

	broken, err := e.evidence.VerifyChain(st.CompletedPhases)
	if err != nil {
		return rep, fmt.Errorf("verify evidence chain: %w", err)
	}
	rep.BrokenChain = broken

	cutoff := e.now().Add(-e.stuckAfter)
	for id, rec := range st.Processes {
		if rec.Status == string(StateInProgress) && rec.StartTime.Before(cutoff) {
			rep.StuckIDs = append(rep.StuckIDs, id)
		}
	}

	for _, p := range st.CompletedPhases {
		documented := false
		for _, rec := range st.Processes {
			if rec.Phase == p && rec.Type == string(Documentation) && rec.Status == string(StateCompleted) {
				documented = true
				break
			}
		}
		if !documented {
			rep.UndocPhases = append(rep.UndocPhases, p)
		}
	}

	rep.OK = rep.StateFileOK && len(rep.BrokenChain) == 0 && len(rep.StuckIDs) == 0 && len(rep.UndocPhases) == 0
	return rep, nil
}
