package engine

import (
	"sync"
)

// Error patterns reported by the tracker.
const (
	PatternHealthy         = "healthy"
	PatternFlaky           = "flaky"
	PatternDegradedService = "degraded_service"
	PatternInputErrors     = "input_errors"
)

// PatternStats summarizes a tool's recent attempt history.
type PatternStats struct {
	// Frequency is the failure fraction over the window.
	Frequency float64 `json:"frequency"`

	// Pattern classifies the failure shape.
	Pattern string `json:"pattern"`

	// Samples is the number of attempts observed in the window.
	Samples int `json:"samples"`
}

// patternWindow is the number of recent attempts tracked per tool.
const patternWindow = 20

// minPatternSamples is how many attempts must be observed before a tool
// can be classified as anything but healthy.
const minPatternSamples = 5

// degradedThreshold is the failure fraction at which a tool counts as
// persistently failing.
const degradedThreshold = 0.5

type patternSample struct {
	failed   bool
	category ErrorCategory
}

// PatternTracker aggregates attempt results per tool across batches in a
// rolling window. It is observational only: it classifies, it never
// blocks execution.
type PatternTracker struct {
	mu      sync.Mutex
	samples map[string][]patternSample
}

// NewPatternTracker creates an empty tracker.
func NewPatternTracker() *PatternTracker {
	return &PatternTracker{
		samples: make(map[string][]patternSample),
	}
}

// Record adds one attempt result for the tool.
func (t *PatternTracker) Record(tool string, failed bool, category ErrorCategory) {
	t.mu.Lock()
	defer t.mu.Unlock()

	window := append(t.samples[tool], patternSample{failed: failed, category: category})
	if len(window) > patternWindow {
		window = window[len(window)-patternWindow:]
	}
	t.samples[tool] = window
}

// IsDegraded reports whether the tool is failing persistently.
func (t *PatternTracker) IsDegraded(tool string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.classify(t.samples[tool])
	return stats.Samples >= minPatternSamples && stats.Frequency >= degradedThreshold
}

// Stats returns pattern statistics for every observed tool.
func (t *PatternTracker) Stats() map[string]PatternStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]PatternStats, len(t.samples))
	for tool, window := range t.samples {
		out[tool] = t.classify(window)
	}
	return out
}

func (t *PatternTracker) classify(window []patternSample) PatternStats {
	stats := PatternStats{Pattern: PatternHealthy, Samples: len(window)}
	if len(window) == 0 {
		return stats
	}

	var failures, transient, input int
	for _, s := range window {
		if !s.failed {
			continue
		}
		failures++
		switch s.category {
		case CategoryTimeout, CategoryNetwork, CategoryRateLimit, CategoryUnavailable:
			transient++
		case CategoryInvalidInput, CategoryPermission, CategoryNotFound:
			input++
		}
	}
	stats.Frequency = float64(failures) / float64(len(window))

	if stats.Samples < minPatternSamples || failures == 0 {
		return stats
	}

	switch {
	case float64(input) >= float64(failures)/2 && stats.Frequency >= degradedThreshold:
		stats.Pattern = PatternInputErrors
	case stats.Frequency >= degradedThreshold:
		stats.Pattern = PatternDegradedService
	default:
		stats.Pattern = PatternFlaky
	}
	return stats
}
