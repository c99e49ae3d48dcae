package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// StrictDecodeError is returned when strict request decoding fails.
// It includes an optional Param field suitable for API error reporting.
type StrictDecodeError struct {
	Param   string
	Message string
}

func (e *StrictDecodeError) Error() string {
	if e == nil {
		return ""
	}
	if e.Param != "" {
		return fmt.Sprintf("%s: %s", e.Param, e.Message)
	}
	return e.Message
}

func strictErr(param, msg string) error {
	return &StrictDecodeError{Param: param, Message: msg}
}

func isNullOrEmptyJSON(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// UnmarshalRelayRequestStrict decodes a relay request body and validates it.
//
// History may be sent as "history" with {role, text} entries, or as
// "conversationHistory" with {role, parts: [{text}]} entries. When both are
// present "history" wins.
func UnmarshalRelayRequestStrict(data []byte) (*RelayRequest, error) {
	var raw struct {
		Action              string          `json:"action"`
		Text                *string         `json:"text"`
		SystemPrompt        string          `json:"systemPrompt"`
		History             json.RawMessage `json:"history"`
		ConversationHistory json.RawMessage `json:"conversationHistory"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, strictErr("", fmt.Sprintf("invalid JSON body: %v", err))
	}

	action := Action(raw.Action)
	if raw.Action == "" {
		return nil, strictErr("action", "action is required")
	}
	if !action.Valid() {
		return nil, strictErr("action", fmt.Sprintf("unknown action %q", raw.Action))
	}
	if raw.Text == nil || strings.TrimSpace(*raw.Text) == "" {
		return nil, strictErr("text", "text is required")
	}

	req := &RelayRequest{
		Action:       action,
		Text:         *raw.Text,
		SystemPrompt: raw.SystemPrompt,
	}

	switch {
	case !isNullOrEmptyJSON(raw.History):
		history, err := unmarshalTurnsStrict(raw.History, "history")
		if err != nil {
			return nil, err
		}
		req.History = history
	case !isNullOrEmptyJSON(raw.ConversationHistory):
		history, err := unmarshalTurnsStrict(raw.ConversationHistory, "conversationHistory")
		if err != nil {
			return nil, err
		}
		req.History = history
	}
	return req, nil
}

func unmarshalTurnsStrict(data []byte, paramPrefix string) ([]Turn, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, strictErr(paramPrefix, "must be an array")
	}
	turns := make([]Turn, 0, len(items))
	for i, item := range items {
		turn, err := unmarshalTurnStrict(item, fmt.Sprintf("%s[%d]", paramPrefix, i))
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func unmarshalTurnStrict(data []byte, paramPrefix string) (Turn, error) {
	var raw struct {
		Role  string  `json:"role"`
		Text  *string `json:"text"`
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Turn{}, strictErr(paramPrefix, "must be an object")
	}
	role := Role(raw.Role)
	if raw.Role == "" {
		return Turn{}, strictErr(paramPrefix+".role", "role is required")
	}
	if !role.Valid() {
		return Turn{}, strictErr(paramPrefix+".role", "role must be one of: user, model")
	}

	if raw.Text != nil {
		return Turn{Role: role, Text: *raw.Text}, nil
	}
	if len(raw.Parts) == 0 {
		return Turn{}, strictErr(paramPrefix+".text", "text or parts is required")
	}
	var sb strings.Builder
	for _, p := range raw.Parts {
		sb.WriteString(p.Text)
	}
	return Turn{Role: role, Text: sb.String()}, nil
}
