// Package policy loads the deployment-tunable rollout policy from YAML.
// The file is validated against an embedded JSON schema before it is merged
// over the stock defaults, so a truncated or mistyped policy never reaches
// the controller.
package policy

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// Phase is one step of the staged rollout schedule.
type Phase struct {
	Percent int
	Dwell   time.Duration
}

// Reviewer names an approval endpoint consulted before execution starts.
type Reviewer struct {
	Name string
	URL  string
}

// Policy tunes rollout behavior for a deployment. The schedule is fixed at
// 10/50/100 percent; dwell times, thresholds, and reviewer endpoints are
// operator choices.
type Policy struct {
	Phases               []Phase
	SuccessRateThreshold float64
	MaxDegradationPct    float64
	LatencyWeight        float64
	ErrorRateWeight      float64
	MinTargetResources   int
	Reviewers            []Reviewer
}

var stagePercents = []int{10, 50, 100}

// Default returns the stock policy: dwells grow with the phase size and
// quality is weighted 70/30 toward latency.
func Default() Policy {
	return Policy{
		Phases: []Phase{
			{Percent: 10, Dwell: 30 * time.Second},
			{Percent: 50, Dwell: 60 * time.Second},
			{Percent: 100, Dwell: 120 * time.Second},
		},
		SuccessRateThreshold: 0.95,
		MaxDegradationPct:    5.0,
		LatencyWeight:        0.7,
		ErrorRateWeight:      0.3,
		MinTargetResources:   3,
	}
}

// document mirrors the on-disk YAML. Durations are strings ("90s") and
// optional numerics are pointers so explicit zeroes stay distinguishable
// from absent fields.
type document struct {
	Phases []struct {
		Percent int    `yaml:"percent"`
		Dwell   string `yaml:"dwell"`
	} `yaml:"phases"`
	SuccessRateThreshold *float64 `yaml:"successRateThreshold"`
	MaxDegradationPct    *float64 `yaml:"maxDegradationPct"`
	Weights              *struct {
		Latency   *float64 `yaml:"latency"`
		ErrorRate *float64 `yaml:"errorRate"`
	} `yaml:"weights"`
	MinTargetResources *int `yaml:"minTargetResources"`
	Reviewers          []struct {
		Name string `yaml:"name"`
		URL  string `yaml:"url"`
	} `yaml:"reviewers"`
}

const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "phases": {
      "type": "array",
      "minItems": 1,
      "maxItems": 3,
      "uniqueItems": true,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["percent"],
        "properties": {
          "percent": {"enum": [10, 50, 100]},
          "dwell": {"type": "string", "minLength": 1}
        }
      }
    },
    "successRateThreshold": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
    "maxDegradationPct": {"type": "number", "exclusiveMinimum": 0},
    "weights": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "latency": {"type": "number", "minimum": 0, "maximum": 1},
        "errorRate": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "minTargetResources": {"type": "integer", "minimum": 1},
    "reviewers": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["name", "url"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "url": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

// Load reads a YAML policy file, validates it, and merges it over Default.
// Fields missing from the file keep their default values.
func Load(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates policy YAML. See Load.
func Parse(data []byte) (Policy, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}
	if err := checkSchema(raw); err != nil {
		return Policy{}, err
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	pol, err := doc.merge(Default())
	if err != nil {
		return Policy{}, err
	}
	if err := pol.Validate(); err != nil {
		return Policy{}, err
	}
	return pol, nil
}

// checkSchema rules on the raw document rather than the decoded struct so
// unknown and mistyped fields are caught instead of silently dropped.
func checkSchema(raw map[string]interface{}) error {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode policy for validation: %w", err)
	}
	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schemaJSON), gojsonschema.NewBytesLoader(encoded))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		var msgs []string
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("policy schema violation:\n  - %s", strings.Join(msgs, "\n  - "))
	}
	return nil
}

func (d document) merge(base Policy) (Policy, error) {
	pol := base
	if len(d.Phases) > 0 {
		phases := make([]Phase, len(d.Phases))
		for i, ph := range d.Phases {
			dwell := base.DwellFor(ph.Percent)
			if ph.Dwell != "" {
				parsed, err := time.ParseDuration(ph.Dwell)
				if err != nil {
					return Policy{}, fmt.Errorf("phase %d%% dwell: %w", ph.Percent, err)
				}
				dwell = parsed
			}
			phases[i] = Phase{Percent: ph.Percent, Dwell: dwell}
		}
		pol.Phases = phases
	}
	if d.SuccessRateThreshold != nil {
		pol.SuccessRateThreshold = *d.SuccessRateThreshold
	}
	if d.MaxDegradationPct != nil {
		pol.MaxDegradationPct = *d.MaxDegradationPct
	}
	if d.Weights != nil {
		if d.Weights.Latency != nil {
			pol.LatencyWeight = *d.Weights.Latency
		}
		if d.Weights.ErrorRate != nil {
			pol.ErrorRateWeight = *d.Weights.ErrorRate
		}
	}
	if d.MinTargetResources != nil {
		pol.MinTargetResources = *d.MinTargetResources
	}
	if len(d.Reviewers) > 0 {
		revs := make([]Reviewer, len(d.Reviewers))
		for i, r := range d.Reviewers {
			revs[i] = Reviewer{Name: r.Name, URL: r.URL}
		}
		pol.Reviewers = revs
	}
	return pol, nil
}

// Validate checks constraints the schema cannot express: the schedule must
// be exactly 10/50/100 in order and the quality weights must form a
// weighted average.
func (p Policy) Validate() error {
	if len(p.Phases) != len(stagePercents) {
		return fmt.Errorf("policy: schedule must have %d phases, got %d", len(stagePercents), len(p.Phases))
	}
	for i, ph := range p.Phases {
		if ph.Percent != stagePercents[i] {
			return fmt.Errorf("policy: phase %d must be %d%%, got %d%%", i+1, stagePercents[i], ph.Percent)
		}
		if ph.Dwell < 0 {
			return fmt.Errorf("policy: phase %d%% dwell must not be negative", ph.Percent)
		}
	}
	if p.SuccessRateThreshold <= 0 || p.SuccessRateThreshold > 1 {
		return fmt.Errorf("policy: successRateThreshold %v outside (0, 1]", p.SuccessRateThreshold)
	}
	if p.MaxDegradationPct <= 0 {
		return fmt.Errorf("policy: maxDegradationPct must be positive, got %v", p.MaxDegradationPct)
	}
	if sum := p.LatencyWeight + p.ErrorRateWeight; math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("policy: quality weights must sum to 1, got %v", sum)
	}
	if p.MinTargetResources < 1 {
		return fmt.Errorf("policy: minTargetResources must be at least 1, got %d", p.MinTargetResources)
	}
	for _, r := range p.Reviewers {
		if r.Name == "" || r.URL == "" {
			return fmt.Errorf("policy: reviewer entries need both name and url")
		}
	}
	return nil
}

// DwellFor returns the monitoring dwell for a phase percent, zero when the
// percent is not part of the schedule.
func (p Policy) DwellFor(percent int) time.Duration {
	for _, ph := range p.Phases {
		if ph.Percent == percent {
			return ph.Dwell
		}
	}
	return 0
}

// Dwells returns the schedule as a percent-to-dwell map.
func (p Policy) Dwells() map[int]time.Duration {
	m := make(map[int]time.Duration, len(p.Phases))
	for _, ph := range p.Phases {
		m[ph.Percent] = ph.Dwell
	}
	return m
}
