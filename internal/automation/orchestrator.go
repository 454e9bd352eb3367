// Package automation is the live loop: it watches the event bus, matches
// enabled rules against each event, evaluates their conditions against the
// current situation, and dispatches the best rule's actions. Scheduled rules
// fire from cron instead of events, and JSON rule files in the automations
// directory are hot-loaded alongside the learned ones.
package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"homebrain/internal/bus"
	"homebrain/internal/confidence"
	"homebrain/internal/logging"
	"homebrain/internal/rules"
	"homebrain/internal/store"
	"homebrain/internal/types"
)

// Handler is a legacy per-topic callback. Handlers run concurrently for each
// event; one handler's failure never reaches the others.
type Handler func(ctx context.Context, evt types.Event) error

// Options wires the orchestrator's collaborators. Store, Confidence, Rules
// and Bus are required; the rest are optional.
type Options struct {
	Store      *store.LocalStore
	Confidence *confidence.Manager
	Rules      *rules.Engine
	Bus        *bus.Bus

	Dispatcher types.ActionDispatcher  // nil makes every dispatch fail
	Presence   types.PresenceDetector  // nil means nobody is present
	States     func() map[string]any   // device-state snapshot for conditions
	Metrics    func() map[string]any   // metric snapshot for conditions

	DispatchTimeout time.Duration // per-dispatch bound, default 30s
	AutomationsDir  string        // JSON rule files, empty disables file rules
	Now             func() time.Time
}

// Orchestrator consumes bus events and turns them into device actions.
type Orchestrator struct {
	store      *store.LocalStore
	confidence *confidence.Manager
	rules      *rules.Engine
	bus        *bus.Bus

	dispatcher types.ActionDispatcher
	presence   types.PresenceDetector
	states     func() map[string]any
	metrics    func() map[string]any

	dispatchTimeout time.Duration
	automationsDir  string
	now             func() time.Time

	mu       sync.RWMutex
	handlers map[string][]Handler
	schedule *scheduler
	files    *fileRules

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates an orchestrator; Start begins consuming events.
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	o := &Orchestrator{
		store:           opts.Store,
		confidence:      opts.Confidence,
		rules:           opts.Rules,
		bus:             opts.Bus,
		dispatcher:      opts.Dispatcher,
		presence:        opts.Presence,
		states:          opts.States,
		metrics:         opts.Metrics,
		dispatchTimeout: opts.DispatchTimeout,
		automationsDir:  opts.AutomationsDir,
		now:             opts.Now,
		handlers:        make(map[string][]Handler),
	}
	o.schedule = newScheduler(o)
	if opts.AutomationsDir != "" {
		o.files = newFileRules(opts.AutomationsDir)
	}
	return o
}

// RegisterHandler attaches a callback to a bus topic. Must be called before
// Start.
func (o *Orchestrator) RegisterHandler(topic string, h Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[topic] = append(o.handlers[topic], h)
}

// Start subscribes to every topic and begins the event loop, the cron
// scheduler, and the automations-directory watcher. It returns immediately;
// Stop shuts everything down.
func (o *Orchestrator) Start(ctx context.Context) error {
	log := logging.Get(logging.CategoryAutomation)

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	if err := o.schedule.start(ctx); err != nil {
		cancel()
		return fmt.Errorf("starting scheduler: %w", err)
	}
	if o.files != nil {
		if err := o.files.start(ctx, &o.wg); err != nil {
			log.Warn("File automations unavailable: %v", err)
		}
	}

	for _, topic := range types.Topics() {
		ch := o.bus.Subscribe(topic)
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-ch:
					if !ok {
						return
					}
					o.handleEvent(ctx, evt)
				}
			}
		}()
	}

	log.Info("Orchestrator started on %d topics", len(types.Topics()))
	return nil
}

// Stop halts the event loop, the scheduler and the file watcher, and waits
// for in-flight work to finish.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.schedule.stop()
	o.wg.Wait()
	logging.Get(logging.CategoryAutomation).Info("Orchestrator stopped")
}

// handleEvent runs the legacy handlers, folds corrections into new rules, and
// dispatches the best matching enabled rule.
func (o *Orchestrator) handleEvent(ctx context.Context, evt types.Event) {
	log := logging.Get(logging.CategoryAutomation)

	o.runHandlers(ctx, evt)

	if evt.EventType == types.TopicUserCorrection {
		o.handleCorrection(ctx, evt)
	}

	rule, err := o.selectRule(ctx, evt)
	if err != nil {
		log.Error("Rule selection failed for %s/%s: %v", evt.DeviceID, evt.EventType, err)
		return
	}
	if rule == nil {
		return
	}
	o.executeRule(ctx, *rule)
}

// runHandlers fans the event out to registered topic handlers. Failures are
// logged and isolated; a panicking smart-bulb integration must not take down
// the brain.
func (o *Orchestrator) runHandlers(ctx context.Context, evt types.Event) {
	o.mu.RLock()
	handlers := o.handlers[evt.EventType]
	o.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	log := logging.Get(logging.CategoryAutomation)
	for _, h := range handlers {
		h := h
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					log.Error("Handler for %s panicked: %v", evt.EventType, r)
				}
			}()
			if err := h(gctx, evt); err != nil {
				log.Warn("Handler for %s failed: %v", evt.EventType, err)
			}
			return nil
		})
	}
	g.Wait()
}

// handleCorrection turns a user_correction event into a low-confidence rule.
func (o *Orchestrator) handleCorrection(ctx context.Context, evt types.Event) {
	log := logging.Get(logging.CategoryAutomation)

	correction, err := correctionFromEvent(evt, o.now())
	if err != nil {
		log.Warn("Ignoring malformed correction from %s: %v", evt.DeviceID, err)
		return
	}
	rule, err := o.rules.CreateRuleFromCorrection(ctx, correction)
	if err != nil {
		log.Error("Failed to create rule from correction: %v", err)
		return
	}
	log.Info("Learned rule %s from user correction on %s", rule.ID, correction.DeviceID)
}

// correctionFromEvent decodes the correction payload carried in the event's
// state, filling in whatever the sender left implicit.
func correctionFromEvent(evt types.Event, now time.Time) (types.Correction, error) {
	var c types.Correction
	raw, err := json.Marshal(evt.State)
	if err != nil {
		return c, fmt.Errorf("encoding correction state: %w", err)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("decoding correction: %w", err)
	}
	if c.DeviceID == "" {
		c.DeviceID = evt.DeviceID
	}
	if c.DeviceID == "" || c.Action == "" {
		return c, fmt.Errorf("correction missing device or action")
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = evt.Timestamp
	}
	if c.Context.Time == "" {
		at := c.Timestamp
		if at.IsZero() {
			at = now
		}
		c.Context.Time = at.Format("15:04")
		c.Context.Day = at.Weekday()
	}
	return c, nil
}

// selectRule returns the best enabled rule matching the event, or nil when
// nothing applies. Candidates arrive ordered by confidence then id, so the
// first whose trigger and conditions hold wins; ties on confidence resolve
// to the oldest rule.
func (o *Orchestrator) selectRule(ctx context.Context, evt types.Event) (*types.AutomationRule, error) {
	candidates, err := o.store.GetEnabledEventRules(ctx, evt.EventType, evt.DeviceID)
	if err != nil {
		return nil, err
	}
	if extra := o.fileRulesFor(evt); len(extra) > 0 {
		candidates = append(candidates, extra...)
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Confidence != candidates[j].Confidence {
				return candidates[i].Confidence > candidates[j].Confidence
			}
			return candidates[i].ID < candidates[j].ID
		})
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	evalCtx := o.buildEvalContext()
	for _, rule := range candidates {
		if !triggerMatches(rule.Trigger, evt) {
			continue
		}
		if !rules.EvaluateConditions(rule, evalCtx) {
			continue
		}
		return &rule, nil
	}
	return nil, nil
}

// triggerMatches checks the parts of the trigger the store query cannot: the
// optional action filter on device_action events.
func triggerMatches(trigger types.RuleTrigger, evt types.Event) bool {
	if trigger.Action == "" {
		return true
	}
	action, _ := evt.State["action"].(string)
	return trigger.Action == action
}

// buildEvalContext snapshots the current situation for condition evaluation.
func (o *Orchestrator) buildEvalContext() types.EvalContext {
	now := o.now()
	ctx := types.EvalContext{
		Time: now.Format("15:04"),
		Day:  now.Weekday(),
	}
	if o.presence != nil {
		ctx.PeoplePresent = o.presence.CurrentlyPresent()
	}
	if o.states != nil {
		ctx.DeviceStates = o.states()
	}
	if o.metrics != nil {
		ctx.Metrics = o.metrics()
	}
	return ctx
}

// executeRule dispatches every action of the rule and reports the outcome to
// the confidence manager. The trigger is recorded whether or not the actions
// succeed; the rule did fire.
func (o *Orchestrator) executeRule(ctx context.Context, rule types.AutomationRule) {
	log := logging.Get(logging.CategoryAutomation)

	if err := o.store.RecordRuleTrigger(ctx, rule.ID); err != nil {
		log.Warn("Failed to record trigger for %s: %v", rule.ID, err)
	}

	start := o.now()
	execErr := o.dispatchActions(ctx, rule)
	elapsed := o.now().Sub(start)

	// File rules live outside the store; there are no metrics to update.
	if o.isFileRule(rule.ID) {
		if execErr != nil {
			log.Warn("File rule %s failed: %v", rule.ID, execErr)
		}
		return
	}

	if execErr != nil {
		if err := o.confidence.RecordFailure(ctx, rule.ID, execErr); err != nil {
			log.Error("Failed to record failure for %s: %v", rule.ID, err)
		}
		return
	}
	if err := o.confidence.RecordSuccess(ctx, rule.ID, elapsed); err != nil {
		log.Error("Failed to record success for %s: %v", rule.ID, err)
	}
	log.Info("Rule %s executed in %s", rule.ID, elapsed.Round(time.Millisecond))
}

// dispatchActions runs the rule's actions in order, each under the dispatch
// timeout. The first failure aborts the rest.
func (o *Orchestrator) dispatchActions(ctx context.Context, rule types.AutomationRule) error {
	if o.dispatcher == nil {
		return fmt.Errorf("no action dispatcher configured")
	}
	for _, action := range rule.Actions {
		dctx, cancel := context.WithTimeout(ctx, o.dispatchTimeout)
		result, err := o.dispatcher.Execute(dctx, action.DeviceID, action.Action, action.Params)
		cancel()
		if err != nil {
			return fmt.Errorf("dispatching %s to %s: %w", action.Action, action.DeviceID, err)
		}
		if !result.Success {
			return fmt.Errorf("dispatching %s to %s: %s", action.Action, action.DeviceID, result.Error)
		}
	}
	return nil
}

func (o *Orchestrator) fileRulesFor(evt types.Event) []types.AutomationRule {
	if o.files == nil {
		return nil
	}
	return o.files.rulesFor(evt)
}

func (o *Orchestrator) isFileRule(id string) bool {
	return o.files != nil && o.files.has(id)
}
