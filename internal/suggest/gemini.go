package suggest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/NTBlok/ai-financial-agent/api/schemas"
	"github.com/NTBlok/ai-financial-agent/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxPromptHTMLBytes bounds how much of the captured page is sent to the
// model. Pages larger than this are truncated, not rejected.
const maxPromptHTMLBytes = 64 << 10

const systemPrompt = `You analyze a captured brokerage web page and propose UI actions.
Respond with a JSON array only. Each element:
{"action_type": "click"|"type"|"select"|"navigate",
 "target_element": "<css selector>",
 "parameters": {...},
 "confidence": <number between 0.0 and 1.0>,
 "description": "<short imperative sentence>"}
Propose nothing when the page offers no safe, useful action.`

// GeminiSuggester is the model-backed implementation, calling the Gemini
// generateContent endpoint directly over HTTP.
type GeminiSuggester struct {
	cfg        config.GeminiConfig
	httpClient *http.Client
	log        *zap.Logger
}

// -- Gemini wire structures --

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"response_mime_type,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"system_instruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
}

// wireSuggestion mirrors the JSON shape the prompt demands of the model.
type wireSuggestion struct {
	ActionType    string         `json:"action_type"`
	TargetElement string         `json:"target_element"`
	Parameters    map[string]any `json:"parameters"`
	Confidence    float64        `json:"confidence"`
	Description   string         `json:"description"`
}

// NewGeminiSuggester initializes the model-backed suggester.
func NewGeminiSuggester(cfg config.GeminiConfig, logger *zap.Logger) (*GeminiSuggester, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	return &GeminiSuggester{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.APITimeout},
		log:        logger.Named("gemini_suggester"),
	}, nil
}

// Suggest prompts the model with the page context and parses its structured
// suggestions. Transient API failures are retried with exponential backoff
// within the caller's deadline.
func (s *GeminiSuggester) Suggest(ctx context.Context, snap schemas.Snapshot) ([]schemas.Action, error) {
	payload, err := json.Marshal(s.buildRequest(snap))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gemini request: %w", err)
	}
	url := fmt.Sprintf("%s/%s:generateContent?key=%s", strings.TrimSuffix(s.cfg.Endpoint, "/"), s.cfg.Model, s.cfg.APIKey)

	var raw string
	operation := func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if reqErr != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", reqErr))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, doErr := s.httpClient.Do(req)
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()

		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("failed to read gemini response: %w", readErr)
		}
		if resp.StatusCode != http.StatusOK {
			// Server-side and throttling errors are retryable; the rest are not.
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return fmt.Errorf("gemini API returned status %d", resp.StatusCode)
			}
			return backoff.Permanent(fmt.Errorf("gemini API returned status %d: %s", resp.StatusCode, body))
		}

		var parsed geminiResponse
		if umErr := json.Unmarshal(body, &parsed); umErr != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode gemini response: %w", umErr))
		}
		if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
			return backoff.Permanent(fmt.Errorf("gemini API returned no candidates"))
		}
		raw = parsed.Candidates[0].Content.Parts[0].Text
		return nil
	}

	b := backoff.NewExponentialBackOff()
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("gemini suggestion request failed: %w", err)
	}

	return s.parse(raw)
}

func (s *GeminiSuggester) buildRequest(snap schemas.Snapshot) geminiRequest {
	html := snap.CapturedHTML
	if len(html) > maxPromptHTMLBytes {
		html = html[:maxPromptHTMLBytes]
	}
	prompt := fmt.Sprintf("Page URL: %s\nViewport: %dx%d\n\nHTML:\n%s",
		snap.SourceURL, snap.Viewport.Width, snap.Viewport.Height, html)

	return geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: prompt}}},
		},
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:      s.cfg.Temperature,
			ResponseMimeType: "application/json",
		},
	}
}

// parse converts the model's JSON into candidate actions. Malformed entries
// are dropped with a log line rather than failing the whole suggestion pass;
// out-of-range confidences are left for the pipeline's validation to reject.
func (s *GeminiSuggester) parse(raw string) ([]schemas.Action, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var wire []wireSuggestion
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, fmt.Errorf("gemini returned unparseable suggestions: %w", err)
	}

	actions := make([]schemas.Action, 0, len(wire))
	for _, w := range wire {
		actionType := schemas.ActionType(w.ActionType)
		if !actionType.Valid() || w.TargetElement == "" {
			s.log.Warn("dropping malformed model suggestion",
				zap.String("action_type", w.ActionType),
				zap.String("target_element", w.TargetElement))
			continue
		}
		actions = append(actions, schemas.Action{
			Type:          actionType,
			TargetElement: w.TargetElement,
			Parameters:    w.Parameters,
			Confidence:    w.Confidence,
			Description:   w.Description,
		})
	}
	return actions, nil
}
