package transcript

import (
	"fmt"
	"strings"
	"time"
)

// RenderMarkdown renders a transcript snapshot as a standalone markdown
// document, used by session export. Layout follows the live view: grouped
// items in order, tool runs as compact lists, sub-agent output indented under
// its spawning call. Output is deterministic for a given snapshot.
func RenderMarkdown(title string, blocks []Block) string {
	ix := NewIndex(blocks)
	items := Group(blocks)

	var sb strings.Builder
	if title != "" {
		sb.WriteString("# " + title + "\n\n")
	}
	for _, it := range items {
		switch it.Kind {
		case ItemSingle:
			writeBlockMarkdown(&sb, it.Block, "")
		case ItemToolRun:
			for _, t := range it.Tools {
				writeToolMarkdown(&sb, ix, t, nil, "")
			}
			sb.WriteString("\n")
		case ItemAgentGroup:
			writeToolMarkdown(&sb, ix, it.Parent, it.Children, "")
			for _, c := range it.Children {
				if t, ok := c.(*ToolUseBlock); ok {
					writeToolMarkdown(&sb, ix, t, it.Children, "  ")
					continue
				}
				if _, ok := c.(*ToolResultBlock); ok {
					continue
				}
				writeBlockMarkdown(&sb, c, "  ")
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func writeToolMarkdown(sb *strings.Builder, ix *Index, t *ToolUseBlock, siblings []Block, indent string) {
	st := ix.Resolve(t.ToolCallID, siblings)
	status := "…"
	switch {
	case st.Error:
		status = "failed"
	case st.Result != nil:
		status = "ok"
	}
	line := fmt.Sprintf("%s- `%s` (%s", indent, t.Name, status)
	if d, ok := ix.Duration(t, siblings, nil); ok {
		line += ", " + formatDuration(d)
	}
	sb.WriteString(line + ")\n")
}

func writeBlockMarkdown(sb *strings.Builder, b Block, indent string) {
	switch v := b.(type) {
	case *TextBlock:
		if v.Role == "user" {
			sb.WriteString(indent + "**User:**\n\n")
		}
		sb.WriteString(indentLines(v.Text, indent) + "\n\n")
	case *ThinkingBlock:
		sb.WriteString(indentLines(quoteLines(v.Thinking), indent) + "\n\n")
	case *PermissionRequestBlock:
		state := "pending"
		if v.Decided {
			state = string(v.Decision)
			if v.DecidedBy != "" {
				state += " (" + string(v.DecidedBy) + ")"
			}
		}
		fmt.Fprintf(sb, "%s> Permission `%s`: %s\n\n", indent, v.ToolName, state)
	case *InputRequestBlock:
		fmt.Fprintf(sb, "%s> Input requested: %s\n", indent, v.Prompt)
		if v.Submitted {
			fmt.Fprintf(sb, "%s> Answered: %s\n", indent, v.Answer)
		}
		sb.WriteString("\n")
	case *AskUserQuestionBlock:
		for _, q := range v.Questions {
			fmt.Fprintf(sb, "%s> Question: %s\n", indent, q.Question)
		}
		if v.Submitted {
			fmt.Fprintf(sb, "%s> Answered: %s\n", indent, strings.ReplaceAll(v.Answer, "\n", "; "))
		}
		sb.WriteString("\n")
	case *ErrorBlock:
		fmt.Fprintf(sb, "%s> Error: %s\n\n", indent, v.Message)
	case *ModelChangedBlock:
		fmt.Fprintf(sb, "%s_Model changed to %s_\n\n", indent, v.ToModel)
	case *CompactBoundaryBlock:
		fmt.Fprintf(sb, "%s---\n\n", indent)
	case *SystemInitBlock:
		fmt.Fprintf(sb, "%s_Session started (%s)_\n\n", indent, v.Model)
	case *ResultMaxTurnsBlock:
		fmt.Fprintf(sb, "%s> Stopped: maximum turns reached\n\n", indent)
	case *ResultErrorBlock:
		fmt.Fprintf(sb, "%s> Stopped with error: %s\n\n", indent, v.Message)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

func indentLines(s, indent string) string {
	if indent == "" {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = indent + l
	}
	return strings.Join(lines, "\n")
}

func quoteLines(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}
