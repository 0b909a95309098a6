package transcript

import "encoding/json"

// ViewTool is a tool call resolved against the correlation index: exactly one
// of Loading, Error, or a plain Result applies. DurationMs carries the
// authoritative duration once resolved or the live estimate while running,
// and is absent when neither exists.
type ViewTool struct {
	Tool       *ToolUseBlock    `json:"tool"`
	Loading    bool             `json:"loading,omitempty"`
	Error      bool             `json:"error,omitempty"`
	Result     *ToolResultBlock `json:"result,omitempty"`
	DurationMs int64            `json:"durationMs,omitempty"`
}

// ViewChild is one block inside an agent group: either a resolved tool call
// or any other block, tagged with its kind.
type ViewChild struct {
	Tool  *ViewTool       `json:"tool,omitempty"`
	Block json.RawMessage `json:"block,omitempty"`
}

// ViewItem is one grouped transcript item ready for delivery: a single block,
// a tool run with its per-call states and aggregate duration, or an agent
// group with its resolved children.
type ViewItem struct {
	Kind        ItemKind        `json:"kind"`
	Block       json.RawMessage `json:"block,omitempty"`
	Tools       []*ViewTool     `json:"tools,omitempty"`
	AggregateMs int64           `json:"aggregateMs,omitempty"`
	Parent      *ViewTool       `json:"parent,omitempty"`
	Children    []ViewChild     `json:"children,omitempty"`
}

// BuildView assembles the full renderable projection of a transcript
// snapshot: approval state stamped onto request blocks, blocks grouped,
// every tool call resolved through the two-tier index, durations attached.
// machine and tracker may be nil for read-only transcripts.
func BuildView(blocks []Block, machine *Machine, tracker *Tracker) ([]ViewItem, error) {
	if machine != nil {
		for _, b := range blocks {
			machine.Stamp(b)
		}
	}

	ix := NewIndex(blocks)
	items := Group(blocks)
	out := make([]ViewItem, 0, len(items))
	for _, it := range items {
		switch it.Kind {
		case ItemSingle:
			raw, err := MarshalBlock(it.Block)
			if err != nil {
				return nil, err
			}
			out = append(out, ViewItem{Kind: ItemSingle, Block: raw})

		case ItemToolRun:
			vi := ViewItem{Kind: ItemToolRun}
			for _, t := range it.Tools {
				rt := resolveTool(ix, t, nil, tracker)
				vi.Tools = append(vi.Tools, rt)
				vi.AggregateMs += rt.DurationMs
			}
			out = append(out, vi)

		case ItemAgentGroup:
			vi := ViewItem{
				Kind:   ItemAgentGroup,
				Parent: resolveTool(ix, it.Parent, it.Children, tracker),
			}
			for _, c := range it.Children {
				switch child := c.(type) {
				case *ToolUseBlock:
					vi.Children = append(vi.Children, ViewChild{
						Tool: resolveTool(ix, child, it.Children, tracker),
					})
				case *ToolResultBlock:
					// Folded into its call above.
				default:
					raw, err := MarshalBlock(c)
					if err != nil {
						return nil, err
					}
					vi.Children = append(vi.Children, ViewChild{Block: raw})
				}
			}
			out = append(out, vi)
		}
	}
	return out, nil
}

func resolveTool(ix *Index, t *ToolUseBlock, siblings []Block, tracker *Tracker) *ViewTool {
	st := ix.Resolve(t.ToolCallID, siblings)
	vt := &ViewTool{
		Tool:    t,
		Loading: st.Loading,
		Error:   st.Error,
		Result:  st.Result,
	}
	if d, ok := ix.Duration(t, siblings, tracker); ok {
		vt.DurationMs = d.Milliseconds()
	}
	return vt
}
