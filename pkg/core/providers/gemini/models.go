package gemini

import (
	"strings"

	"github.com/vango-go/tutor-relay/pkg/core"
)

// ModelInfo is one entry of the model listing.
type ModelInfo struct {
	Name    string
	Methods []string
}

// modelList is the GET /models response body.
type modelList struct {
	Models []struct {
		Name                       string   `json:"name"`
		SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
	} `json:"models"`
	NextPageToken string `json:"nextPageToken"`
}

// StripModelPrefix removes the "models/" resource prefix from a model name.
func StripModelPrefix(name string) string {
	return strings.TrimPrefix(name, "models/")
}

// canGenerate reports whether m supports generateContent. Models that do not
// advertise their methods are assumed to.
func (m ModelInfo) canGenerate() bool {
	if len(m.Methods) == 0 {
		return true
	}
	for _, method := range m.Methods {
		if method == "generateContent" {
			return true
		}
	}
	return false
}

// PickModel selects the first model whose name contains marker, in listing
// order. If none match it falls back to the first listed model. The result has
// no "models/" prefix.
func PickModel(models []ModelInfo, marker string) (string, error) {
	var first string
	for _, m := range models {
		if m.Name == "" || !m.canGenerate() {
			continue
		}
		name := StripModelPrefix(m.Name)
		if first == "" {
			first = name
		}
		if marker != "" && strings.Contains(name, marker) {
			return name, nil
		}
	}
	if first == "" {
		err := core.NewUpstreamError(0, "")
		err.Message = "no usable models returned by upstream"
		return "", err
	}
	return first, nil
}
