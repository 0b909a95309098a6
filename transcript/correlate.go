package transcript

import "time"

// ToolState is the resolved presentation state of one tool call.
//
// Exactly one of three shapes holds: a result arrived (Result set,
// IsError mirrors the result), the result is still pending (Loading), or the
// result reported an error. A tool call with no result anywhere in the
// transcript is in flight, not failed.
type ToolState struct {
	Result  *ToolResultBlock
	Loading bool
	Error   bool
}

// Index resolves tool calls to their results over one transcript snapshot.
//
// Lookups are two-tier: the caller's sibling scope is scanned first (an agent
// group's children, where a sub-agent tool's result actually lives), then the
// whole transcript. The first result encountered in transcript order wins;
// later duplicates for the same call id are ignored. The global tier is
// precomputed as a first-write map, which preserves exactly that ordering.
//
// An Index is built fresh from each snapshot and holds no other state, so a
// stale one can simply be dropped.
type Index struct {
	global map[string]*ToolResultBlock
}

// NewIndex builds the global result tier from a transcript snapshot.
func NewIndex(blocks []Block) *Index {
	global := make(map[string]*ToolResultBlock)
	for _, b := range blocks {
		r, ok := b.(*ToolResultBlock)
		if !ok || r.ToolCallID == "" {
			continue
		}
		if _, seen := global[r.ToolCallID]; !seen {
			global[r.ToolCallID] = r
		}
	}
	return &Index{global: global}
}

// Resolve looks up the result for a tool call id, scanning siblings before
// the whole transcript. A nil sibling scope is fine for top-level calls.
func (ix *Index) Resolve(toolCallID string, siblings []Block) ToolState {
	if toolCallID == "" {
		return ToolState{Loading: true}
	}
	for _, b := range siblings {
		if r, ok := b.(*ToolResultBlock); ok && r.ToolCallID == toolCallID {
			return resolved(r)
		}
	}
	if r, ok := ix.global[toolCallID]; ok {
		return resolved(r)
	}
	return ToolState{Loading: true}
}

func resolved(r *ToolResultBlock) ToolState {
	return ToolState{Result: r, Error: r.IsError}
}

// Duration reports the display duration for a tool call: the authoritative
// result duration once resolved, otherwise the live tracker reading. The
// second return is false when no duration can be shown.
func (ix *Index) Duration(t *ToolUseBlock, siblings []Block, tr *Tracker) (time.Duration, bool) {
	st := ix.Resolve(t.ToolCallID, siblings)
	if st.Result != nil && st.Result.DurationMs > 0 {
		return time.Duration(st.Result.DurationMs) * time.Millisecond, true
	}
	if st.Result != nil {
		// Resolved but the result carried no duration.
		return 0, false
	}
	if tr == nil {
		return 0, false
	}
	return tr.Live(t.ToolCallID)
}
