package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/teleforge/teleforge/pkg/events"
)

// Provider analyzes one image and returns the structured result plus the
// tokens the call consumed.
type Provider interface {
	Name() string
	Analyze(ctx context.Context, data []byte, mime string) (events.VisionResult, int64, error)
}

const visionPrompt = `You are an image analysis service. Respond with a single JSON object,
no markdown fences, with exactly these keys:
  "labels": array of up to 10 lowercase topic labels,
  "description": one-paragraph factual description,
  "ocr_text": all readable text in the image, empty string if none,
  "is_meme": boolean.`

// OpenAIProvider calls the chat completions API with an inline image.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// NewOpenAIProvider reads OPENAI_API_KEY (and optional OPENAI_BASE_URL)
// from the environment.
func NewOpenAIProvider(model string) *OpenAIProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(os.Getenv("OPENAI_API_KEY")),
	}
	if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	return &OpenAIProvider{client: openai.NewClient(opts...), model: model}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Analyze(ctx context.Context, data []byte, mime string) (events.VisionResult, int64, error) {
	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(visionPrompt),
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart("Analyze this image."),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: dataURL,
				}),
			}),
		},
	})
	if err != nil {
		return events.VisionResult{}, 0, fmt.Errorf("vision provider call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return events.VisionResult{}, resp.Usage.TotalTokens, fmt.Errorf("vision provider returned no choices")
	}

	result, err := parseVisionReply(resp.Choices[0].Message.Content)
	if err != nil {
		return events.VisionResult{}, resp.Usage.TotalTokens, err
	}
	result.Provider = p.Name()
	result.Model = p.model
	return result, resp.Usage.TotalTokens, nil
}

// parseVisionReply decodes the model's JSON, tolerating markdown fences
// the prompt forbids but models sometimes emit anyway.
func parseVisionReply(content string) (events.VisionResult, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var reply struct {
		Labels      []string `json:"labels"`
		Description string   `json:"description"`
		OCRText     string   `json:"ocr_text"`
		IsMeme      bool     `json:"is_meme"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &reply); err != nil {
		return events.VisionResult{}, fmt.Errorf("vision provider returned invalid JSON: %w", err)
	}
	result := events.VisionResult{
		Labels:      reply.Labels,
		Description: reply.Description,
		IsMeme:      reply.IsMeme,
	}
	if reply.OCRText != "" {
		result.OCR = events.OCRResult{Text: reply.OCRText, Engine: "provider", Confidence: 0.9}
	}
	return result, nil
}

// OCRFallback shells out to a local tesseract binary. It is the landing
// path for budget-blocked files and terminal provider failures; when the
// binary is missing it degrades to an empty result rather than failing.
type OCRFallback struct {
	binary string
}

// NewOCRFallback locates tesseract on PATH.
func NewOCRFallback() *OCRFallback {
	bin, err := exec.LookPath("tesseract")
	if err != nil {
		bin = ""
	}
	return &OCRFallback{binary: bin}
}

func (p *OCRFallback) Name() string { return "ocr_fallback" }

func (p *OCRFallback) Analyze(ctx context.Context, data []byte, _ string) (events.VisionResult, int64, error) {
	result := events.VisionResult{
		Provider: p.Name(),
		Model:    "tesseract",
		OCR:      events.OCRResult{Engine: "tesseract"},
	}
	if p.binary == "" {
		result.OCR.Engine = "unavailable"
		return result, 0, nil
	}

	tmp, err := os.CreateTemp("", "teleforge-ocr-*")
	if err != nil {
		return result, 0, fmt.Errorf("failed to stage image for OCR: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return result, 0, fmt.Errorf("failed to stage image for OCR: %w", err)
	}
	tmp.Close()

	out, err := exec.CommandContext(ctx, p.binary, tmp.Name(), "stdout").Output()
	if err != nil {
		return result, 0, fmt.Errorf("tesseract failed: %w", err)
	}
	result.OCR.Text = strings.TrimSpace(string(out))
	if result.OCR.Text != "" {
		result.OCR.Confidence = 0.6
	}
	return result, 0, nil
}
