package models

import "encoding/json"

// ResultSessionMessage marks the end of a turn with stats and outcome.
// Subtype is "success", "error_max_turns", or "error_during_execution".
type ResultSessionMessage struct {
	RawJSON
	BaseMessage
	EnvelopeFields
	Subtype      string          `json:"subtype,omitempty"`
	IsError      *bool           `json:"is_error,omitempty"`
	Result       string          `json:"result,omitempty"`
	NumTurns     int             `json:"num_turns,omitempty"`
	DurationMs   int64           `json:"duration_ms,omitempty"`
	TotalCostUSD float64         `json:"total_cost_usd,omitempty"`
	Usage        json.RawMessage `json:"usage,omitempty"`
}

func (m ResultSessionMessage) MarshalJSON() ([]byte, error) {
	if len(m.Raw) > 0 {
		return m.Raw, nil
	}
	type Alias ResultSessionMessage
	return json.Marshal(Alias(m))
}

// SummarySessionMessage contains a generated session summary line.
type SummarySessionMessage struct {
	RawJSON
	BaseMessage
	Summary  string `json:"summary,omitempty"`
	LeafUUID string `json:"leafUuid,omitempty"`
}

func (m SummarySessionMessage) MarshalJSON() ([]byte, error) {
	if len(m.Raw) > 0 {
		return m.Raw, nil
	}
	type Alias SummarySessionMessage
	return json.Marshal(Alias(m))
}

// CustomTitleSessionMessage contains a user-set session title.
type CustomTitleSessionMessage struct {
	RawJSON
	BaseMessage
	CustomTitle string `json:"customTitle,omitempty"`
}

func (m CustomTitleSessionMessage) MarshalJSON() ([]byte, error) {
	if len(m.Raw) > 0 {
		return m.Raw, nil
	}
	type Alias CustomTitleSessionMessage
	return json.Marshal(Alias(m))
}

// UnknownSessionMessage is a fallback for message types not modeled here.
type UnknownSessionMessage struct {
	RawJSON
	BaseMessage
}

func (m UnknownSessionMessage) MarshalJSON() ([]byte, error) {
	if len(m.Raw) > 0 {
		return m.Raw, nil
	}
	type Alias UnknownSessionMessage
	return json.Marshal(Alias(m))
}
