package transcript

// ItemKind discriminates the grouped item variants.
type ItemKind string

const (
	// ItemSingle wraps one standalone block.
	ItemSingle ItemKind = "single"
	// ItemToolRun wraps a maximal run of consecutive top-level tool calls.
	ItemToolRun ItemKind = "tool_run_group"
	// ItemAgentGroup wraps a sub-agent spawn and every block it produced.
	ItemAgentGroup ItemKind = "agent_group"
)

// Item is one renderable unit of the grouped transcript. Exactly one of the
// variant field sets is populated, per Kind: Block for ItemSingle, Tools for
// ItemToolRun, Parent and Children for ItemAgentGroup.
type Item struct {
	Kind     ItemKind
	Block    Block
	Tools    []*ToolUseBlock
	Parent   *ToolUseBlock
	Children []Block
}

// Group assembles a flat block sequence into ordered renderable items.
//
// It is a pure function of the input slice: no retained state between calls,
// same input gives same output, and re-running it over a transcript that only
// grew never reorders or regroups the items derived from the old prefix
// (appends can only extend the final item or add new ones). Callers re-run it
// over the full snapshot after every change.
//
// Two passes. The first indexes children by ParentToolUseID, which is also
// how a tool call is discovered to have spawned a sub-agent: no block
// declares that about itself. The second walks the sequence in order and
// emits items:
//
//   - blocks with a parent id are skipped (they surface inside their group)
//   - tool results are skipped without breaking a tool run (they fold into
//     their call at resolve time, and are never emitted standalone)
//   - a tool call nothing refers to extends the pending tool run
//   - a tool call that is a known parent flushes the pending run and emits
//     one agent group, once per distinct parent id even if the same id
//     appears again
//   - anything else flushes the pending run and emits a single
//
// A trailing run is flushed at the end. Empty input yields an empty, non-nil
// slice. Orphaned parent ids simply produce an agent group with whatever
// children exist so far; a group with children whose parent tool call never
// appears at the top level produces nothing (the children stay skipped).
func Group(blocks []Block) []Item {
	childrenByParent := make(map[string][]Block)
	for _, b := range blocks {
		if pid := b.Base().ParentToolUseID; pid != "" {
			childrenByParent[pid] = append(childrenByParent[pid], b)
		}
	}

	items := make([]Item, 0, len(blocks))
	var run []*ToolUseBlock
	flushRun := func() {
		if len(run) == 0 {
			return
		}
		items = append(items, Item{Kind: ItemToolRun, Tools: run})
		run = nil
	}

	grouped := make(map[string]bool)
	for _, b := range blocks {
		if b.Base().ParentToolUseID != "" {
			continue
		}
		switch blk := b.(type) {
		case *ToolResultBlock:
			continue
		case *ToolUseBlock:
			if _, spawned := childrenByParent[blk.ToolCallID]; spawned {
				flushRun()
				if !grouped[blk.ToolCallID] {
					grouped[blk.ToolCallID] = true
					items = append(items, Item{
						Kind:     ItemAgentGroup,
						Parent:   blk,
						Children: childrenByParent[blk.ToolCallID],
					})
				}
				continue
			}
			run = append(run, blk)
		default:
			flushRun()
			items = append(items, Item{Kind: ItemSingle, Block: b})
		}
	}
	flushRun()

	return items
}
