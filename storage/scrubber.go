package storage

import (
	"context"
	"strings"
	"sync"
)

const scrubValue = "***"

// Scrubber masks header values whose names match a rule, case-insensitively.
type Scrubber struct {
	mu       sync.RWMutex
	keys     map[string]struct{}
	ruleRepo ScrubRuleRepo
}

// NewScrubber uses DefaultScrubPatterns when no patterns are given.
func NewScrubber(patterns ...string) *Scrubber {
	if len(patterns) == 0 {
		patterns = DefaultScrubPatterns
	}
	s := &Scrubber{}
	s.setPatterns(patterns)
	return s
}

// NewScrubberWithRepo loads the rule set from repo; Reload picks up edits.
func NewScrubberWithRepo(ctx context.Context, repo ScrubRuleRepo) (*Scrubber, error) {
	s := &Scrubber{keys: make(map[string]struct{}), ruleRepo: repo}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload replaces the rule set with the repo's current rules.
func (s *Scrubber) Reload(ctx context.Context) error {
	if s == nil || s.ruleRepo == nil {
		return nil
	}
	rules, err := s.ruleRepo.GetAll(ctx)
	if err != nil {
		return err
	}
	patterns := make([]string, len(rules))
	for i, rule := range rules {
		patterns[i] = rule.Pattern
	}
	s.setPatterns(patterns)
	return nil
}

func (s *Scrubber) setPatterns(patterns []string) {
	keys := make(map[string]struct{}, len(patterns))
	for _, p := range patterns {
		keys[strings.ToLower(p)] = struct{}{}
	}
	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
}

// ScrubHeaders returns a masked copy; the input map is not modified.
func (s *Scrubber) ScrubHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]string, len(headers))
	for k, v := range headers {
		if _, sensitive := s.keys[strings.ToLower(k)]; sensitive {
			result[k] = scrubValue
		} else {
			result[k] = v
		}
	}
	return result
}
