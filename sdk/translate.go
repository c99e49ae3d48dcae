package tutor

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/vango-go/tutor-relay/pkg/core"
	"github.com/vango-go/tutor-relay/pkg/core/types"
)

// DefaultTranslatePrompt asks for a natural English rendering of Korean text,
// answered in Korean with a fixed two-heading layout.
const DefaultTranslatePrompt = `You are an expert in Korean-English translation. Your role is to translate the user's Korean sentence into a natural, colloquial English sentence that a native speaker would use in everyday conversation. Your response must be in Korean and follow this structure exactly:
### 자연스러운 표현
[Provide the most natural English sentence here]
#### 💡 이렇게 표현하는 이유
[Provide a brief and clear explanation in Korean about why this expression is natural and used by native speakers. Do not include pinyin.]`

// DefaultChatPrompt is the conversation partner persona.
const DefaultChatPrompt = "You are a friendly and encouraging English tutor. Your primary role is to help the user practice their English conversation skills. Keep your responses concise, friendly, and always respond in English. If the user asks a question in Korean, gently remind them to ask in English or provide the English translation and answer that."

// DefaultSuggestPrompt asks for replies the learner could send next.
const DefaultSuggestPrompt = "You are a friendly English tutor helping a Korean learner keep a conversation going. Suggest three short, natural English replies the learner could send in response to the last message. For each reply give the English sentence and its Korean meaning."

const explanationHeading = "#### 💡 이렇게 표현하는 이유"

// Translation is a parsed translate answer.
type Translation struct {
	Expression  string
	Explanation string
	Raw         string
}

// Suggestion is one suggested reply.
type Suggestion struct {
	English string `json:"english"`
	Korean  string `json:"korean"`
}

// Speech is a synthesized speech payload: base64 PCM plus its MIME type.
type Speech struct {
	Data     string
	MIMEType string
}

// Translate returns a natural English expression for Korean text.
func (c *Client) Translate(ctx context.Context, text string) (*Translation, error) {
	body, err := c.Generate(ctx, &types.RelayRequest{
		Action:       types.ActionTranslate,
		Text:         text,
		SystemPrompt: DefaultTranslatePrompt,
	})
	if err != nil {
		return nil, err
	}
	answer, err := chunkText(body)
	if err != nil {
		return nil, err
	}
	if answer == "" {
		return nil, core.NewUpstreamError(0, "translation response has no text")
	}
	t := ParseTranslation(answer)
	return &t, nil
}

// ParseTranslation splits a translate answer by line position, ignoring blank
// lines: line 1 is the expression and lines 3 onward are the explanation.
// Missing parts are left empty.
func ParseTranslation(answer string) Translation {
	var lines []string
	for _, line := range strings.Split(answer, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, strings.TrimRight(line, "\r"))
		}
	}

	t := Translation{Raw: answer}
	if len(lines) > 1 {
		t.Expression = strings.TrimSpace(lines[1])
	}
	if len(lines) > 3 {
		explanation := strings.Join(lines[3:], "\n")
		t.Explanation = strings.TrimSpace(strings.Replace(explanation, explanationHeading, "", 1))
	}
	return t
}

// SuggestReplies returns reply suggestions for the last message of a conversation.
func (c *Client) SuggestReplies(ctx context.Context, text string, history []types.Turn) ([]Suggestion, error) {
	body, err := c.Generate(ctx, &types.RelayRequest{
		Action:       types.ActionSuggestReply,
		Text:         text,
		SystemPrompt: DefaultSuggestPrompt,
		History:      history,
	})
	if err != nil {
		return nil, err
	}
	answer, err := chunkText(body)
	if err != nil {
		return nil, err
	}

	var out []Suggestion
	if err := json.Unmarshal([]byte(answer), &out); err != nil {
		return nil, core.NewMalformedFrameError(answer, err)
	}
	return out, nil
}

// Speak synthesizes text to speech and returns the raw audio payload.
func (c *Client) Speak(ctx context.Context, text string) (*Speech, error) {
	body, err := c.Generate(ctx, &types.RelayRequest{
		Action: types.ActionTTS,
		Text:   text,
	})
	if err != nil {
		return nil, err
	}
	return parseSpeech(body)
}

// parseSpeech takes the first inline audio part of a speech response. The data
// is kept as base64 text so that decoding reports InvalidAudioPayload.
func parseSpeech(body []byte) (*Speech, error) {
	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					InlineData *struct {
						MIMEType string `json:"mimeType"`
						Data     string `json:"data"`
					} `json:"inlineData"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, core.NewMalformedFrameError(string(body), err)
	}
	if len(resp.Candidates) > 0 {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.InlineData != nil && part.InlineData.Data != "" {
				return &Speech{Data: part.InlineData.Data, MIMEType: part.InlineData.MIMEType}, nil
			}
		}
	}
	return nil, core.NewInvalidAudioError("speech response has no audio data", nil)
}
