package tutor

import (
	"encoding/json"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/tutor-relay/pkg/core"
)

// StreamAccumulator builds the answer text from data frames in arrival order.
type StreamAccumulator struct {
	logger  *slog.Logger
	text    strings.Builder
	skipped int
}

func NewStreamAccumulator(logger *slog.Logger) *StreamAccumulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamAccumulator{logger: logger}
}

// OnFrame applies a data frame and returns the text it added. Frames that are
// not data, carry no text, or fail to parse add nothing; parse failures are
// logged and counted.
func (a *StreamAccumulator) OnFrame(f Frame) (string, bool) {
	if f.Kind != FrameData {
		return "", false
	}
	delta, err := chunkText([]byte(f.Payload))
	if err != nil {
		a.skipped++
		a.logger.Warn("skipping malformed stream frame", "error", err)
		return "", false
	}
	if delta == "" {
		return "", false
	}
	a.text.WriteString(delta)
	return delta, true
}

// Text returns the text accumulated so far.
func (a *StreamAccumulator) Text() string {
	return a.text.String()
}

// DisplayText returns Text with markdown emphasis and heading marks removed.
func (a *StreamAccumulator) DisplayText() string {
	return StripMarkdown(a.text.String())
}

// Skipped returns how many malformed frames were dropped.
func (a *StreamAccumulator) Skipped() int {
	return a.skipped
}

// StripMarkdown removes '*' and '#' characters.
func StripMarkdown(s string) string {
	return strings.NewReplacer("*", "", "#", "").Replace(s)
}

// chunkText returns the first text part of the first candidate of a Gemini
// response chunk.
func chunkText(payload []byte) (string, error) {
	var resp genai.GenerateContentResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", core.NewMalformedFrameError(string(payload), err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return "", nil
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			return part.Text, nil
		}
	}
	return "", nil
}
