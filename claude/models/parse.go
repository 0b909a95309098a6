package models

import (
	"encoding/json"
	"strings"
)

// ParseMessage parses one JSONL line or stream-json event into its typed
// message. Returns nil for blank lines; anything unparseable or unmodeled
// comes back as an UnknownSessionMessage with its raw bytes intact, so a
// malformed row degrades instead of failing the whole read.
func ParseMessage(lineBytes []byte) SessionMessageI {
	line := strings.TrimSpace(string(lineBytes))
	if line == "" {
		return nil
	}

	rawCopy := []byte(line)

	var typeOnly struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
	}
	if err := json.Unmarshal(rawCopy, &typeOnly); err != nil {
		return &UnknownSessionMessage{RawJSON: RawJSON{Raw: rawCopy}}
	}

	switch typeOnly.Type {
	case "user":
		var msg UserSessionMessage
		json.Unmarshal(rawCopy, &msg)
		msg.Raw = rawCopy
		return &msg

	case "assistant":
		var msg AssistantSessionMessage
		json.Unmarshal(rawCopy, &msg)
		msg.Raw = rawCopy
		return &msg

	case "system":
		if typeOnly.Subtype == "init" {
			var msg SystemInitMessage
			json.Unmarshal(rawCopy, &msg)
			msg.Raw = rawCopy
			return &msg
		}
		var msg SystemSessionMessage
		json.Unmarshal(rawCopy, &msg)
		msg.Raw = rawCopy
		return &msg

	case "result":
		var msg ResultSessionMessage
		json.Unmarshal(rawCopy, &msg)
		msg.Raw = rawCopy
		return &msg

	case "summary":
		var msg SummarySessionMessage
		json.Unmarshal(rawCopy, &msg)
		msg.Raw = rawCopy
		return &msg

	case "custom-title":
		var msg CustomTitleSessionMessage
		json.Unmarshal(rawCopy, &msg)
		msg.Raw = rawCopy
		return &msg

	default:
		return &UnknownSessionMessage{
			RawJSON:     RawJSON{Raw: rawCopy},
			BaseMessage: BaseMessage{Type: typeOnly.Type},
		}
	}
}
