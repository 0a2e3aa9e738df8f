package evidence

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/umputun/betagate/pkg/phase"
)

//go:embed defaults
var defaultsFS embed.FS

// rule names understood by the validator.
const (
	ruleRequiredFields    = "required_fields"
	ruleSuccessRate       = "success_rate"
	ruleCompliance        = "compliance"
	ruleSatisfactionScore = "satisfaction_score"
)

// Requirement describes one evidence requirement for a phase.
type Requirement struct {
	Key      string   `yaml:"key"`
	Rule     string   `yaml:"rule"`
	Fields   []string `yaml:"fields,omitempty"`   // for required_fields
	Min      float64  `yaml:"min,omitempty"`      // for success_rate, satisfaction_score
	Standard string   `yaml:"standard,omitempty"` // for compliance
}

// ruleFile is the on-disk shape of the requirements document.
type ruleFile struct {
	Phases map[string][]Requirement `yaml:"phases"`
}

// loadRequirements reads requirements from path, falling back to the
// embedded defaults when path is empty or missing.
func loadRequirements(path string) (map[phase.Phase][]Requirement, error) {
	data, err := defaultsFS.ReadFile("defaults/requirements.yml")
	if err != nil {
		return nil, fmt.Errorf("read embedded requirements: %w", err)
	}

	if path != "" {
		fileData, readErr := os.ReadFile(path) //nolint:gosec // path comes from config
		switch {
		case readErr == nil:
			data = fileData
		case os.IsNotExist(readErr):
			// keep embedded defaults
		default:
			return nil, fmt.Errorf("read requirements %s: %w", path, readErr)
		}
	}

	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse requirements: %w", err)
	}

	res := make(map[phase.Phase][]Requirement, len(rf.Phases))
	for name, reqs := range rf.Phases {
		p, err := phase.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("requirements for unknown phase %q", name)
		}
		for _, r := range reqs {
			if err := checkRule(r); err != nil {
				return nil, fmt.Errorf("requirement %s/%s: %w", name, r.Key, err)
			}
		}
		res[p] = reqs
	}
	return res, nil
}

// checkRule validates a requirement definition.
func checkRule(r Requirement) error {
	if r.Key == "" {
		return fmt.Errorf("missing key")
	}
	switch r.Rule {
	case ruleRequiredFields:
		if len(r.Fields) == 0 {
			return fmt.Errorf("required_fields needs at least one field")
		}
	case ruleSuccessRate, ruleSatisfactionScore:
		if r.Min <= 0 {
			return fmt.Errorf("%s needs a positive min", r.Rule)
		}
	case ruleCompliance:
		if r.Standard == "" {
			return fmt.Errorf("compliance needs a standard")
		}
	default:
		return fmt.Errorf("unknown rule %q", r.Rule)
	}
	return nil
}

// evaluate applies a requirement's rule to the submitted payload.
// returns validity and a human-readable detail for the check result.
func evaluate(r Requirement, payload map[string]any) (bool, string) {
	switch r.Rule {
	case ruleRequiredFields:
		var missing []string
		for _, f := range r.Fields {
			v, ok := payload[f]
			if !ok || v == nil || v == "" {
				missing = append(missing, f)
			}
		}
		if len(missing) > 0 {
			return false, "missing fields: " + strings.Join(missing, ", ")
		}
		return true, "all fields present"

	case ruleSuccessRate:
		v, ok := toFloat(payload["success_rate"])
		if !ok {
			return false, "success_rate not provided"
		}
		if v < r.Min {
			return false, fmt.Sprintf("success_rate %.1f below required %.1f", v, r.Min)
		}
		return true, fmt.Sprintf("success_rate %.1f meets %.1f", v, r.Min)

	case ruleSatisfactionScore:
		v, ok := toFloat(payload["satisfaction_score"])
		if !ok {
			return false, "satisfaction_score not provided"
		}
		if v < r.Min {
			return false, fmt.Sprintf("satisfaction_score %.1f below required %.1f", v, r.Min)
		}
		return true, fmt.Sprintf("satisfaction_score %.1f meets %.1f", v, r.Min)

	case ruleCompliance:
		v, _ := payload["compliance"].(string)
		if !strings.EqualFold(v, r.Standard) {
			return false, fmt.Sprintf("compliance %q does not match %q", v, r.Standard)
		}
		return true, "compliant with " + r.Standard

	default:
		return false, fmt.Sprintf("unknown rule %q", r.Rule)
	}
}

// toFloat converts JSON/YAML numeric representations to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
