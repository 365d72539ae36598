package action

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// RuleType is what happens to lines matching a rule.
type RuleType string

const (
	RuleNone  RuleType = "NONE"
	RuleMute  RuleType = "MUTE"  // drop envelopes, keep the peer
	RuleEvict RuleType = "EVICT" // drop envelopes and forget the peer
)

type senderRule struct {
	Rule      RuleType
	ExpiresAt time.Time // zero means permanent
}

func (r senderRule) live(now time.Time) bool {
	return r.ExpiresAt.IsZero() || r.ExpiresAt.After(now)
}

// RuleEngine holds temporary or permanent rules keyed by connection source
// and by claimed sender address.
type RuleEngine struct {
	mu          sync.RWMutex
	sourceRules map[string]senderRule
	senderRules map[string]senderRule
	clk         clock.Clock
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewRuleEngine creates an engine and starts its cleanup loop.
func NewRuleEngine(cleanupInterval time.Duration, clk clock.Clock) *RuleEngine {
	if clk == nil {
		clk = clock.New()
	}
	e := &RuleEngine{
		sourceRules: make(map[string]senderRule),
		senderRules: make(map[string]senderRule),
		clk:         clk,
		stopCleanup: make(chan struct{}),
	}
	go e.runCleanup(cleanupInterval)
	return e
}

// Stop ends the cleanup loop. Safe to call more than once.
func (e *RuleEngine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCleanup) })
}

func (e *RuleEngine) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return e.clk.Now().Add(ttl)
}

// AddSourceRule applies rule to every line arriving from source (a remote host).
func (e *RuleEngine) AddSourceRule(source string, rule RuleType, ttl time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sourceRules[source] = senderRule{Rule: rule, ExpiresAt: e.expiry(ttl)}
}

// AddSenderRule applies rule to envelopes claiming sender as their origin.
func (e *RuleEngine) AddSenderRule(sender string, rule RuleType, ttl time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.senderRules[sender] = senderRule{Rule: rule, ExpiresAt: e.expiry(ttl)}
}

func (e *RuleEngine) RemoveSenderRule(sender string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.senderRules, sender)
}

// Check evaluates source then sender; the first live rule wins.
func (e *RuleEngine) Check(source, sender string) RuleType {
	e.mu.RLock()
	defer e.mu.RUnlock()

	now := e.clk.Now()
	if r, ok := e.sourceRules[source]; ok && r.live(now) {
		return r.Rule
	}
	if r, ok := e.senderRules[sender]; ok && r.live(now) {
		return r.Rule
	}
	return RuleNone
}

// Len is the number of stored rules, expired ones included until cleanup.
func (e *RuleEngine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sourceRules) + len(e.senderRules)
}

func (e *RuleEngine) runCleanup(interval time.Duration) {
	ticker := e.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCleanup:
			return
		case <-ticker.C:
			e.cleanup()
		}
	}
}

func (e *RuleEngine) cleanup() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clk.Now()
	for k, r := range e.sourceRules {
		if !r.live(now) {
			delete(e.sourceRules, k)
		}
	}
	for k, r := range e.senderRules {
		if !r.live(now) {
			delete(e.senderRules, k)
		}
	}
}
