// Package probe reads the quality metrics source backing rollout gate
// decisions.
package probe

import (
	"context"
	"sync"
)

// Reading is one latency/error-rate sample. ErrorRate is a percentage.
type Reading struct {
	LatencyMS float64 `json:"latencyMs"`
	ErrorRate float64 `json:"errorRate"`
}

// Sampler captures a quality reading. The baseline flag tells the source
// whether this is the pre-change capture.
type Sampler interface {
	Sample(ctx context.Context, baseline bool) (Reading, error)
}

// StaticSampler replays a scripted sequence of readings; the last reading
// repeats once the script runs out. Used by tests and dev mode.
type StaticSampler struct {
	mu       sync.Mutex
	readings []Reading
	next     int

	Err error
}

func NewStaticSampler(readings ...Reading) *StaticSampler {
	return &StaticSampler{readings: readings}
}

func (s *StaticSampler) Sample(ctx context.Context, baseline bool) (Reading, error) {
	if s.Err != nil {
		return Reading{}, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.readings) == 0 {
		return Reading{}, nil
	}
	r := s.readings[s.next]
	if s.next < len(s.readings)-1 {
		s.next++
	}
	return r, nil
}
