package check

import (
	"go.uber.org/zap"

	"samizdat_mesh/internal/action"
	"samizdat_mesh/internal/dataType"
)

// LineFlood counts one inbound line for source and drops it once source exceeds
// rule.Limit lines within rule.WindowSeconds. An offending source stays in
// cooldown for rule.CooldownSeconds.
func LineFlood(source string, rule *dataType.FloodRule, decision *action.Decision, sharedMem *dataType.SharedMemory) {
	if rule == nil || rule.Limit <= 0 {
		return
	}
	if sharedMem.CooldownList != nil && sharedMem.CooldownList.IsBlocked(source) {
		decision.Reject("rate limited (cooldown)")
		return
	}

	sharedMem.LineFloodCounter.Add(source, 1)
	if sharedMem.LineFloodCounter.Query(source, rule.WindowSeconds) > rule.Limit {
		sharedMem.Logger().Warn("[SECURITY] line flood",
			zap.String("source", source),
			zap.Int64("limit", rule.Limit),
			zap.Int64("window_seconds", rule.WindowSeconds))
		if sharedMem.CooldownList != nil && rule.CooldownSeconds > 0 {
			sharedMem.CooldownList.Block(source, rule.CooldownSeconds)
		}
		decision.Reject("rate limited")
	}
}
