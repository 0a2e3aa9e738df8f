// Package evidence collects and validates evidence payloads asserting that
// rollout requirements have been satisfied. evidence records are immutable
// once written: new submissions append timestamped JSON files under a
// per-phase directory, they are never edited in place.
package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/umputun/betagate/pkg/phase"
)

// summary status values derived from stored evidence.
const (
	SummaryNotStarted         = "NOT_STARTED"
	SummaryInProgress         = "IN_PROGRESS"
	SummaryValidated          = "VALIDATED"
	SummaryPartiallyValidated = "PARTIALLY_VALIDATED"
	SummaryValidationFailed   = "VALIDATION_FAILED"
	SummaryUnknown            = "UNKNOWN"
)

// Record is one stored evidence submission.
type Record struct {
	ID        string         `json:"id"`
	Phase     phase.Phase    `json:"phase"`
	Kind      string         `json:"requirement"`
	Status    string         `json:"status"` // always "verified" once written
	Valid     bool           `json:"valid"`
	Detail    string         `json:"detail,omitempty"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Check is the result of validating one requirement.
type Check struct {
	Valid  bool   `json:"valid"`
	Detail string `json:"detail"`
}

// Summary aggregates stored evidence for one phase.
type Summary struct {
	Phase         phase.Phase `json:"phase"`
	Records       int         `json:"evidence_count"`
	Required      int         `json:"required_count"`
	Covered       int         `json:"covered_count"`
	Status        string      `json:"status"`
	CompletionPct float64     `json:"completion_pct"`
}

// Collector validates evidence payloads against the per-phase requirement
// rules and persists them under the evidence root directory.
type Collector struct {
	root string
	reqs map[phase.Phase][]Requirement

	mu      sync.Mutex
	written map[string]struct{} // file base names this collector wrote itself
}

// New creates a Collector rooted at dir. requirementsFile overrides the
// embedded default rules when present; empty string uses the defaults.
func New(dir, requirementsFile string) (*Collector, error) {
	reqs, err := loadRequirements(requirementsFile)
	if err != nil {
		return nil, fmt.Errorf("load requirements: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create evidence root: %w", err)
	}
	return &Collector{root: dir, reqs: reqs, written: map[string]struct{}{}}, nil
}

// WroteFile reports whether the named evidence file (base name) was written
// by this collector rather than dropped in externally. the check does not
// consume the entry, the filesystem watcher sees both a create and a write
// event for each file.
func (c *Collector) WroteFile(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.written[name]
	return ok
}

// Root returns the evidence root directory.
func (c *Collector) Root() string { return c.root }

// Requirements returns the requirement list for the given phase.
func (c *Collector) Requirements(p phase.Phase) []Requirement {
	reqs := c.reqs[p]
	res := make([]Requirement, len(reqs))
	copy(res, reqs)
	return res
}

// Collect validates the supplied data against every requirement of the phase.
// data is keyed by requirement key; each value is the payload for that
// requirement. a missing required key is a validation error naming the key.
func (c *Collector) Collect(p phase.Phase, data map[string]any) (map[string]Check, error) {
	if !p.Valid() {
		return nil, &phase.ValidationError{Op: "collect evidence", Reason: fmt.Sprintf("unknown phase %q", p)}
	}

	res := make(map[string]Check)
	for _, req := range c.reqs[p] {
		raw, ok := data[req.Key]
		if !ok {
			return nil, &phase.ValidationError{
				Op:     "collect evidence",
				Field:  req.Key,
				Reason: fmt.Sprintf("missing required evidence for phase %s", p),
			}
		}
		payload, ok := raw.(map[string]any)
		if !ok {
			return nil, &phase.ValidationError{
				Op:     "collect evidence",
				Field:  req.Key,
				Reason: "evidence payload must be an object",
			}
		}
		valid, detail := evaluate(req, payload)
		res[req.Key] = Check{Valid: valid, Detail: detail}
	}
	return res, nil
}

// Store validates and persists one evidence payload for the given
// requirement kind. the record is written to a new timestamped file and
// never modified afterwards.
func (c *Collector) Store(p phase.Phase, kind string, payload map[string]any) (Record, error) {
	if !p.Valid() {
		return Record{}, &phase.ValidationError{Op: "store evidence", Reason: fmt.Sprintf("unknown phase %q", p)}
	}
	if kind == "" {
		return Record{}, &phase.ValidationError{Op: "store evidence", Field: "requirement", Reason: "requirement kind is required"}
	}

	rec := Record{
		ID:        uuid.New().String(),
		Phase:     p,
		Kind:      kind,
		Status:    "verified",
		Valid:     true,
		Data:      payload,
		Timestamp: time.Now(),
	}

	// evidence for a known requirement carries the rule verdict; evidence
	// for kinds outside the rule table is accepted as-is
	for _, req := range c.reqs[p] {
		if req.Key == kind {
			rec.Valid, rec.Detail = evaluate(req, payload)
			break
		}
	}

	dir := filepath.Join(c.root, string(p))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return Record{}, fmt.Errorf("create phase evidence dir: %w", err)
	}

	name := fmt.Sprintf("evidence_%s.json", rec.Timestamp.UTC().Format("20060102T150405.000000000"))

	// record the name before the write lands, the watcher may see the create
	// event immediately
	c.mu.Lock()
	c.written[name] = struct{}{}
	c.mu.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return Record{}, fmt.Errorf("marshal evidence record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
		return Record{}, fmt.Errorf("write evidence record: %w", err)
	}
	return rec, nil
}

// Records loads all stored evidence for a phase in chronological order.
// unreadable files are logged and skipped.
func (c *Collector) Records(p phase.Phase) ([]Record, error) {
	dir := filepath.Join(c.root, string(p))
	matches, err := filepath.Glob(filepath.Join(dir, "evidence_*.json"))
	if err != nil {
		return nil, fmt.Errorf("glob evidence files: %w", err)
	}
	sort.Strings(matches) // timestamped names sort chronologically

	var res []Record
	for _, path := range matches {
		data, readErr := os.ReadFile(path) //nolint:gosec // path from internal glob
		if readErr != nil {
			log.Printf("[WARN] skip unreadable evidence file %s: %v", path, readErr)
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			log.Printf("[WARN] skip malformed evidence file %s: %v", path, err)
			continue
		}
		res = append(res, rec)
	}
	return res, nil
}

// Summary aggregates the stored evidence for a phase: counts, derived
// status, and completion percentage (covered required keys over total
// required keys, exactly 0 with no evidence and 100 with full coverage).
func (c *Collector) Summary(p phase.Phase) (Summary, error) {
	if !p.Valid() {
		return Summary{}, &phase.ValidationError{Op: "evidence summary", Reason: fmt.Sprintf("unknown phase %q", p)}
	}

	recs, err := c.Records(p)
	if err != nil {
		return Summary{Phase: p, Status: SummaryUnknown}, err
	}

	reqs := c.reqs[p]
	sum := Summary{Phase: p, Records: len(recs), Required: len(reqs)}

	covered := map[string]bool{}
	anyFailed := false
	for _, rec := range recs {
		if rec.Valid {
			covered[rec.Kind] = true
		} else {
			anyFailed = true
		}
	}
	for _, req := range reqs {
		if covered[req.Key] {
			sum.Covered++
		}
	}

	if sum.Required > 0 {
		sum.CompletionPct = 100 * float64(sum.Covered) / float64(sum.Required)
	} else if len(recs) > 0 {
		sum.CompletionPct = 100
	}

	switch {
	case len(recs) == 0:
		sum.Status = SummaryNotStarted
	case sum.Required == 0 || sum.Covered == sum.Required:
		sum.Status = SummaryValidated
	case sum.Covered > 0:
		sum.Status = SummaryPartiallyValidated
	case anyFailed:
		sum.Status = SummaryValidationFailed
	default:
		sum.Status = SummaryInProgress
	}
	return sum, nil
}

// VerifyChain checks that every completed-phase requirement is backed by a
// valid evidence record. returns the list of phases whose chain is broken.
func (c *Collector) VerifyChain(completed []phase.Phase) ([]phase.Phase, error) {
	var broken []phase.Phase
	for _, p := range completed {
		sum, err := c.Summary(p)
		if err != nil {
			return nil, fmt.Errorf("verify chain for %s: %w", p, err)
		}
		if sum.Status != SummaryValidated {
			broken = append(broken, p)
		}
	}
	return broken, nil
}
