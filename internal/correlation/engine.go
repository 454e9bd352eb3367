// Package correlation mines the event log for trigger→effect patterns.
// It detects relationships like "window opens → AC turns on a few minutes
// later" by pairing event groups inside a lookback window and scoring how
// reliably, and how consistently, the effect follows the trigger.
package correlation

import (
	"context"
	"math"
	"sort"
	"time"

	"homebrain/internal/logging"
	"homebrain/internal/store"
	"homebrain/internal/types"
)

// Defaults for the analysis cycle.
const (
	DefaultWindow        = 24 * time.Hour
	DefaultMinConfidence = 0.6
	DefaultMinFrequency  = 3
	DefaultMaxDelay      = 30 * time.Minute
	DefaultMinEvents     = 10
	DefaultPatternLimit  = 50
)

// Options tunes the engine. Zero values fall back to the defaults.
type Options struct {
	MinConfidence float64       // pattern floor for persistence and reads
	MinFrequency  int           // minimum matched trigger→effect pairs
	MaxDelay      time.Duration // how long after a trigger an effect still counts
	MinEvents     int           // below this the cycle returns zero patterns
}

// Engine owns the event_patterns rows.
type Engine struct {
	store *store.LocalStore
	opts  Options
}

// Result describes one analysis cycle.
type Result struct {
	Patterns      []types.EventPattern
	AnalysisTime  time.Time
	Window        time.Duration
	MinConfidence float64
	TotalEvents   int
}

// NewEngine creates a correlation engine over the given store.
func NewEngine(s *store.LocalStore, opts Options) *Engine {
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = DefaultMinConfidence
	}
	if opts.MinFrequency <= 0 {
		opts.MinFrequency = DefaultMinFrequency
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MinEvents <= 0 {
		opts.MinEvents = DefaultMinEvents
	}
	return &Engine{store: s, opts: opts}
}

// AnalyzeCorrelations scans the last window of events for correlations,
// persists patterns at or above minConfidence and returns them sorted by
// confidence descending. Too few events is not an error; the cycle just
// yields nothing. Pass zero for either argument to use the defaults.
//
// The scan is a single pass over ordered pairs of (device, event type)
// groups, O(types²·events). Type counts stay in the tens even when events
// run to thousands, so no incremental variant is needed.
func (e *Engine) AnalyzeCorrelations(ctx context.Context, window time.Duration, minConfidence float64) (*Result, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	if minConfidence <= 0 {
		minConfidence = e.opts.MinConfidence
	}

	log := logging.Get(logging.CategoryCorrelation)
	log.Info("Starting correlation analysis (window=%s minConfidence=%.2f)", window, minConfidence)

	now := time.Now()
	events, err := e.store.ReadEvents(ctx, now.Add(-window), now)
	if err != nil {
		return nil, err
	}

	result := &Result{
		AnalysisTime:  now,
		Window:        window,
		MinConfidence: minConfidence,
		TotalEvents:   len(events),
	}

	if len(events) < e.opts.MinEvents {
		log.Info("Not enough events for analysis (%d < %d)", len(events), e.opts.MinEvents)
		return result, nil
	}

	result.Patterns = e.findCorrelations(events, minConfidence, now)

	if err := e.store.UpsertPatterns(ctx, result.Patterns); err != nil {
		return nil, err
	}

	log.Info("Found %d correlation patterns in %d events", len(result.Patterns), len(events))
	return result, nil
}

// GetPatternsForTrigger returns stored patterns for a specific trigger,
// highest confidence first. Reads apply the engine's own confidence floor.
func (e *Engine) GetPatternsForTrigger(ctx context.Context, deviceID, eventType string) ([]types.EventPattern, error) {
	return e.store.GetPatternsForTrigger(ctx, deviceID, eventType, e.opts.MinConfidence)
}

// GetHighConfidencePatterns returns the strongest stored patterns.
func (e *Engine) GetHighConfidencePatterns(ctx context.Context, limit int) ([]types.EventPattern, error) {
	if limit <= 0 {
		limit = DefaultPatternLimit
	}
	return e.store.GetHighConfidencePatterns(ctx, e.opts.MinConfidence, limit)
}

// findCorrelations groups events by (device, event type) and scores every
// ordered pair of distinct groups. Pure function of its inputs: the same
// events produce the same patterns in the same order.
func (e *Engine) findCorrelations(events []types.Event, minConfidence float64, now time.Time) []types.EventPattern {
	groups := make(map[types.EventRef][]types.Event)
	for _, ev := range events {
		ref := types.EventRef{DeviceID: ev.DeviceID, EventType: ev.EventType}
		groups[ref] = append(groups[ref], ev)
	}

	// Sorted keys keep the pair scan deterministic across runs.
	refs := make([]types.EventRef, 0, len(groups))
	for ref := range groups {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].DeviceID != refs[j].DeviceID {
			return refs[i].DeviceID < refs[j].DeviceID
		}
		return refs[i].EventType < refs[j].EventType
	})

	var patterns []types.EventPattern
	for _, trigger := range refs {
		if len(groups[trigger]) < e.opts.MinFrequency {
			continue
		}
		for _, effect := range refs {
			if trigger == effect {
				continue
			}
			p := e.analyzePair(trigger, effect, groups[trigger], groups[effect], now)
			if p != nil && p.Confidence >= minConfidence {
				patterns = append(patterns, *p)
			}
		}
	}

	sort.SliceStable(patterns, func(i, j int) bool {
		if patterns[i].Confidence != patterns[j].Confidence {
			return patterns[i].Confidence > patterns[j].Confidence
		}
		if patterns[i].Frequency != patterns[j].Frequency {
			return patterns[i].Frequency > patterns[j].Frequency
		}
		return patterns[i].Key() < patterns[j].Key()
	})
	return patterns
}

// analyzePair scores one ordered (trigger, effect) group pair. Same-device
// pairs are uninteresting for automation and return nil.
func (e *Engine) analyzePair(trigger, effect types.EventRef, triggerEvents, effectEvents []types.Event, now time.Time) *types.EventPattern {
	if trigger.DeviceID == effect.DeviceID {
		return nil
	}

	// For each trigger occurrence, take the nearest effect occurrence that
	// happens after it within the delay bound.
	var delays []time.Duration
	for _, t := range triggerEvents {
		var best time.Duration
		found := false
		for _, ef := range effectEvents {
			d := ef.Timestamp.Sub(t.Timestamp)
			if d <= 0 || d > e.opts.MaxDelay {
				continue
			}
			if !found || d < best {
				best = d
				found = true
			}
		}
		if found {
			delays = append(delays, best)
		}
	}

	if len(delays) < e.opts.MinFrequency {
		return nil
	}

	var total time.Duration
	for _, d := range delays {
		total += d
	}
	mean := total / time.Duration(len(delays))

	// Consistency: how tightly the delays cluster around their mean.
	var variance float64
	for _, d := range delays {
		diff := float64(d - mean)
		variance += diff * diff
	}
	variance /= float64(len(delays))
	stddev := math.Sqrt(variance)
	consistency := math.Max(0, 1-stddev/float64(mean))

	frequency := float64(len(delays)) / float64(len(triggerEvents))
	confidence := math.Round((frequency*0.7+consistency*0.3)*100) / 100

	return &types.EventPattern{
		Trigger:          trigger,
		Effect:           effect,
		TimeDelay:        mean.Round(time.Second),
		Confidence:       confidence,
		Frequency:        len(delays),
		TotalOccurrences: len(triggerEvents),
		Consistency:      consistency,
		LastSeen:         now,
		Created:          now,
	}
}
