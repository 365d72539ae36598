package check

import (
	"samizdat_mesh/internal/action"
)

// SenderRule applies operator rules for the connection source and the claimed
// sender. It returns the matched rule so the caller can evict the peer.
func SenderRule(source, sender string, engine *action.RuleEngine, decision *action.Decision) action.RuleType {
	if engine == nil {
		return action.RuleNone
	}
	rule := engine.Check(source, sender)
	switch rule {
	case action.RuleMute, action.RuleEvict:
		decision.Reject("sender " + string(rule))
	}
	return rule
}
