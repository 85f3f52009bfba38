package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
)

// DefaultBreed is substituted when the detection reply cannot be parsed.
const DefaultBreed = "Golden Retriever"

const detectPrompt = "Given a HUMAN HEADSHOT, pick the single dog breed that most closely resembles the person's face shape/features. " +
	"Return STRICT JSON with keys: breed (string), confidence (0-1 float), reasoning (short string). " +
	"No markdown."

// Detection is the vision model's guess.
type Detection struct {
	Breed      string  `json:"breed"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	// Fallback is set when the reply was unusable and DefaultBreed stands in.
	Fallback bool `json:"-"`
}

// FallbackDetection is used whenever the reply is not usable.
func FallbackDetection() Detection {
	return Detection{Breed: DefaultBreed, Confidence: 0.3, Reasoning: "Fallback due to parsing error.", Fallback: true}
}

// DetectBreed asks the vision model which breed the face resembles. Transport
// and HTTP failures are returned as *Error; an unparseable reply is not an
// error and yields FallbackDetection.
func (c *Client) DetectBreed(ctx context.Context, image []byte) (Detection, error) {
	if err := c.checkConfig(); err != nil {
		return Detection{}, err
	}
	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.cfg.VisionModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(detectPrompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL(image)}),
			}),
		},
	})
	if err != nil {
		return Detection{}, apiError("detect", err)
	}
	var text string
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}
	det, err := ParseDetection(text)
	if err != nil {
		return FallbackDetection(), nil
	}
	return det, nil
}

// ParseDetection parses the whole reply as JSON, then the span between the
// first '{' and the last '}'. A blank breed counts as a parse failure.
func ParseDetection(text string) (Detection, error) {
	text = strings.TrimSpace(text)
	if det, ok := decodeDetection(text); ok {
		return det, nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start != -1 && end > start {
		if det, ok := decodeDetection(text[start : end+1]); ok {
			return det, nil
		}
	}
	return Detection{}, fmt.Errorf("%w: %q", ErrParse, truncate(text, 120))
}

func decodeDetection(s string) (Detection, bool) {
	var det Detection
	if err := json.Unmarshal([]byte(s), &det); err != nil {
		return Detection{}, false
	}
	det.Breed = strings.TrimSpace(det.Breed)
	if det.Breed == "" {
		return Detection{}, false
	}
	return det, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
