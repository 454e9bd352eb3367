package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"homebrain/internal/logging"
	"homebrain/internal/types"
)

// fileRules serves hand-written rules from JSON files in the automations
// directory. One rule per file; edits are picked up live. File rules carry no
// metrics row, so their confidence never moves.
type fileRules struct {
	dir string

	mu    sync.RWMutex
	rules map[string]types.AutomationRule // keyed by rule id
}

func newFileRules(dir string) *fileRules {
	return &fileRules{dir: dir, rules: make(map[string]types.AutomationRule)}
}

// start loads the directory and watches it for changes. The watcher goroutine
// joins the orchestrator's WaitGroup and exits with the context.
func (f *fileRules) start(ctx context.Context, wg *sync.WaitGroup) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("creating automations dir: %w", err)
	}
	f.reload()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(f.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", f.dir, err)
	}

	log := logging.Get(logging.CategoryAutomation)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(evt.Name, ".json") {
					continue
				}
				// Reload the whole directory; rule files are small and
				// renames are hard to track piecemeal.
				f.reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("Automations watcher error: %v", err)
			}
		}
	}()
	return nil
}

// reload re-reads every .json file in the directory, replacing the previous
// set. Files that fail to parse are skipped with a warning.
func (f *fileRules) reload() {
	log := logging.Get(logging.CategoryAutomation)

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		log.Warn("Failed to read automations dir: %v", err)
		return
	}

	next := make(map[string]types.AutomationRule)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(f.dir, entry.Name())
		rule, err := loadRuleFile(path)
		if err != nil {
			log.Warn("Skipping %s: %v", entry.Name(), err)
			continue
		}
		next[rule.ID] = rule
	}

	f.mu.Lock()
	f.rules = next
	f.mu.Unlock()
	log.Info("Loaded %d file automations from %s", len(next), f.dir)
}

// loadRuleFile parses one rule from a JSON file. The id defaults to
// "file_<name>", and a file rule is enabled unless it says otherwise.
func loadRuleFile(path string) (types.AutomationRule, error) {
	var parsed struct {
		types.AutomationRule
		Enabled *bool `json:"enabled"`
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return types.AutomationRule{}, err
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return types.AutomationRule{}, fmt.Errorf("parsing rule: %w", err)
	}

	rule := parsed.AutomationRule
	rule.Enabled = parsed.Enabled == nil || *parsed.Enabled
	if rule.ID == "" {
		rule.ID = "file_" + strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if rule.CreatedBy == "" {
		rule.CreatedBy = "file"
	}
	if rule.Trigger.Type == "" {
		rule.Trigger.Type = types.TriggerEvent
	}
	if rule.Trigger.Type == types.TriggerEvent && rule.Trigger.EventType == "" {
		return types.AutomationRule{}, fmt.Errorf("rule %s has no trigger event type", rule.ID)
	}
	if len(rule.Actions) == 0 {
		return types.AutomationRule{}, fmt.Errorf("rule %s has no actions", rule.ID)
	}
	return rule, nil
}

// rulesFor returns the enabled file rules whose trigger matches the event.
func (f *fileRules) rulesFor(evt types.Event) []types.AutomationRule {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []types.AutomationRule
	for _, rule := range f.rules {
		if !rule.Enabled || rule.Trigger.Type != types.TriggerEvent {
			continue
		}
		if rule.Trigger.EventType != evt.EventType {
			continue
		}
		if rule.Trigger.DeviceID != "" && rule.Trigger.DeviceID != evt.DeviceID {
			continue
		}
		out = append(out, rule)
	}
	return out
}

func (f *fileRules) has(id string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.rules[id]
	return ok
}
