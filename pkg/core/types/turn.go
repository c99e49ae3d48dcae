package types

// Role identifies the speaker of a conversation turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleModel
}

// Turn is one entry of a conversation history.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Action selects what the relay does with a request.
type Action string

const (
	ActionTranslate    Action = "translate"
	ActionChat         Action = "chat"
	ActionSuggestReply Action = "suggest_reply"
	ActionTTS          Action = "tts"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionTranslate, ActionChat, ActionSuggestReply, ActionTTS:
		return true
	default:
		return false
	}
}

// Streaming reports whether the action is relayed as a chunked event stream.
func (a Action) Streaming() bool {
	return a == ActionChat
}

// NeedsTextModel reports whether the action resolves its model through discovery.
func (a Action) NeedsTextModel() bool {
	return a != ActionTTS
}

// RelayRequest is the body of a relay call.
type RelayRequest struct {
	Action       Action `json:"action"`
	Text         string `json:"text"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	History      []Turn `json:"history,omitempty"`
}
