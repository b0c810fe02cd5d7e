package privacy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/raaihank/pii-sentinel/internal/logger"
	"go.uber.org/zap"
)

// Detector applies the regex rule set to raw text
type Detector struct {
	rules   []DetectionRule
	enabled map[string]bool
	logger  *logger.Logger
	mu      sync.RWMutex
}

// New creates a pattern detector with the named rules enabled
func New(ruleNames []string, log *logger.Logger) (*Detector, error) {
	detector := &Detector{
		rules:   GetDefaultRules(),
		enabled: make(map[string]bool),
		logger:  log,
	}

	if err := detector.Configure(ruleNames); err != nil {
		return nil, fmt.Errorf("failed to configure detectors: %w", err)
	}

	log.Info("Pattern detector initialized",
		zap.Int("total_rules", len(detector.rules)),
		zap.Int("enabled_rules", detector.countEnabledRules()),
	)

	return detector, nil
}

// Configure replaces the enabled rule set. "all" enables every rule.
func (d *Detector) Configure(ruleNames []string) error {
	enabled := make(map[string]bool, len(d.rules))
	for _, rule := range d.rules {
		enabled[rule.Name] = false
	}

	for _, name := range ruleNames {
		if name == "all" {
			for _, rule := range d.rules {
				enabled[rule.Name] = true
			}
			continue
		}

		if _, ok := enabled[name]; !ok {
			return fmt.Errorf("unknown detector: %s", name)
		}
		enabled[name] = true
	}

	d.mu.Lock()
	d.enabled = enabled
	d.mu.Unlock()
	return nil
}

// Detect runs every enabled rule independently over the whole text. The
// result is unsorted across rules and may overlap.
func (d *Detector) Detect(text string) []Match {
	d.mu.RLock()
	defer d.mu.RUnlock()

	matches := make([]Match, 0)
	for _, rule := range d.rules {
		if !d.enabled[rule.Name] {
			continue
		}

		locs := rule.Pattern.FindAllStringIndex(text, -1)
		for _, loc := range locs {
			matches = append(matches, Match{
				Text:       text[loc[0]:loc[1]],
				Category:   rule.Category,
				Start:      loc[0],
				End:        loc[1],
				Confidence: PatternConfidence,
				Source:     SourcePattern,
			})
		}

		if len(locs) > 0 {
			d.logger.Debug("Pattern rule matched",
				zap.String("rule", rule.Name),
				zap.String("category", string(rule.Category)),
				zap.Int("count", len(locs)),
			)
		}
	}

	return matches
}

// countEnabledRules returns the number of enabled detection rules
func (d *Detector) countEnabledRules() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	count := 0
	for _, enabled := range d.enabled {
		if enabled {
			count++
		}
	}
	return count
}

// GetEnabledRules returns the sorted names of enabled rules
func (d *Detector) GetEnabledRules() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var enabled []string
	for ruleName, isEnabled := range d.enabled {
		if isEnabled {
			enabled = append(enabled, ruleName)
		}
	}
	sort.Strings(enabled)
	return enabled
}

// EnableRule enables a specific detection rule
func (d *Detector) EnableRule(ruleName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.enabled[ruleName]; !exists {
		return fmt.Errorf("unknown rule: %s", ruleName)
	}
	d.enabled[ruleName] = true
	d.logger.Info("Detection rule enabled", zap.String("rule", ruleName))
	return nil
}

// DisableRule disables a specific detection rule
func (d *Detector) DisableRule(ruleName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.enabled[ruleName]; !exists {
		return fmt.Errorf("unknown rule: %s", ruleName)
	}

	d.enabled[ruleName] = false
	d.logger.Info("Detection rule disabled", zap.String("rule", ruleName))
	return nil
}
