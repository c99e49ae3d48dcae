package gemini

import (
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/tutor-relay/pkg/core/types"
)

// GenerateRequest is the generateContent request body.
// Note: Gemini API uses camelCase for JSON field names.
type GenerateRequest struct {
	Contents          []*genai.Content  `json:"contents"`
	SystemInstruction *genai.Content    `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

// GenerationConfig is the subset of generation settings the relay sends.
type GenerationConfig struct {
	ResponseModalities []genai.Modality    `json:"responseModalities,omitempty"`
	SpeechConfig       *genai.SpeechConfig `json:"speechConfig,omitempty"`
	ResponseMIMEType   string              `json:"responseMimeType,omitempty"`
	ResponseSchema     *genai.Schema       `json:"responseSchema,omitempty"`
}

// NewTextRequest builds a text generation request from prior turns and the
// current user text. If the last history turn already is the current user
// text it is not repeated.
func NewTextRequest(systemPrompt string, history []types.Turn, text string) *GenerateRequest {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, turn := range history {
		contents = append(contents, genai.NewContentFromText(turn.Text, genaiRole(turn.Role)))
	}
	if n := len(history); n == 0 || history[n-1].Role != types.RoleUser || history[n-1].Text != text {
		contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
	}

	req := &GenerateRequest{Contents: contents}
	if strings.TrimSpace(systemPrompt) != "" {
		req.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(systemPrompt)},
		}
	}
	return req
}

// NewSuggestRequest builds a request whose answer is a JSON list of
// {english, korean} reply suggestions.
func NewSuggestRequest(systemPrompt string, history []types.Turn, text string) *GenerateRequest {
	req := NewTextRequest(systemPrompt, history, text)
	req.GenerationConfig = &GenerationConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   SuggestionSchema(),
	}
	return req
}

// SuggestionSchema describes the suggest_reply answer shape.
func SuggestionSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeArray,
		Items: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"english": {Type: genai.TypeString},
				"korean":  {Type: genai.TypeString},
			},
			Required: []string{"english", "korean"},
		},
	}
}

// NewSpeechRequest builds a text-to-speech request using a prebuilt voice.
func NewSpeechRequest(text, voice string) *GenerateRequest {
	return &GenerateRequest{
		Contents: []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		GenerationConfig: &GenerationConfig{
			ResponseModalities: []genai.Modality{genai.ModalityAudio},
			SpeechConfig: &genai.SpeechConfig{
				VoiceConfig: &genai.VoiceConfig{
					PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
				},
			},
		},
	}
}

func genaiRole(r types.Role) genai.Role {
	if r == types.RoleModel {
		return genai.RoleModel
	}
	return genai.RoleUser
}
