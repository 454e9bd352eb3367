// Package rules owns the automation rules: drafting them from mined patterns,
// synthesizing them from user corrections, the approval flow, and condition
// evaluation against a context snapshot.
package rules

import (
	"fmt"
	"time"

	"homebrain/internal/store"
	"homebrain/internal/types"

	"github.com/google/uuid"
)

// Engine is the rule store and proposer.
type Engine struct {
	store          *store.LocalStore
	drafter        types.RuleDrafter
	drafterTimeout time.Duration
	initialTTL     time.Duration
}

// Options tunes the engine.
type Options struct {
	Drafter        types.RuleDrafter // optional; nil disables pattern proposals
	DrafterTimeout time.Duration     // bound on DraftRule calls, default 120s
	InitialTTL     time.Duration     // TTL granted to new metrics rows, default 168h
}

// NewEngine creates a rule engine over the given store.
func NewEngine(s *store.LocalStore, opts Options) *Engine {
	if opts.DrafterTimeout <= 0 {
		opts.DrafterTimeout = 120 * time.Second
	}
	if opts.InitialTTL <= 0 {
		opts.InitialTTL = 168 * time.Hour
	}
	return &Engine{
		store:          s,
		drafter:        opts.Drafter,
		drafterTimeout: opts.DrafterTimeout,
		initialTTL:     opts.InitialTTL,
	}
}

// newRuleID mints a time-prefixed rule id. The prefix makes lexicographic
// order match creation order, which the orchestrator relies on for its
// oldest-first tie-break.
func newRuleID(now time.Time) string {
	return fmt.Sprintf("rule_%s_%s", now.UTC().Format("20060102150405.000000000"), uuid.NewString()[:8])
}
