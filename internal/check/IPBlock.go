package check

import (
	"go.uber.org/zap"

	"samizdat_mesh/internal/action"
	"samizdat_mesh/internal/dataType"
)

// SourceBlock drops lines whose connection source falls inside a blocked prefix.
func SourceBlock(source string, trie *dataType.SourceTrie, decision *action.Decision, log *zap.Logger) {
	if trie == nil || decision.Dropped() {
		return
	}
	if trie.Contains(source) {
		if log != nil {
			log.Warn("[SECURITY] source is in the evict list", zap.String("source", source))
		}
		decision.Reject("source blocked")
	}
}
