// Package wake issues the outbound "wake" requests that keep a quota window
// active, and records the resulting history.
package wake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/YuHaibo/antigravity-cockpit/internal/logging"
	"github.com/YuHaibo/antigravity-cockpit/internal/store"
	"github.com/YuHaibo/antigravity-cockpit/internal/util"
)

// Endpoints with fallback (daily → prod), matching the Antigravity IDE.
var BaseURLs = []string{
	"https://daily-cloudcode-pa.googleapis.com/v1internal",
	"https://cloudcode-pa.googleapis.com/v1internal",
}

const (
	// UserAgent mimics Antigravity's user agent for Cloud Code compatibility.
	UserAgent = "antigravity/1.11.9 windows/amd64"

	// DefaultPrompt is the wake phrase sent when no custom prompt is set.
	DefaultPrompt = "Hi! Quick check-in. Reply with one word."
)

// Result is the per-account outcome of one wake batch.
type Result struct {
	Success    bool
	DurationMs int64
	Message    string
}

// ModelInfo describes one wake-capable model.
type ModelInfo struct {
	ID            string `json:"id"`
	ModelConstant string `json:"modelConstant"`
	Label         string `json:"label"`
}

// catalog maps user-facing model ids to their provider-side constants.
// The constants are the ids under which quota data reports these models.
var catalog = []ModelInfo{
	{ID: "gemini-3-flash", ModelConstant: "MODEL_GEMINI_3_FLASH", Label: "Gemini 3 Flash"},
	{ID: "gemini-3-pro", ModelConstant: "MODEL_GEMINI_3_PRO", Label: "Gemini 3 Pro"},
	{ID: "gemini-2.5-flash", ModelConstant: "MODEL_GEMINI_2_5_FLASH", Label: "Gemini 2.5 Flash"},
	{ID: "claude-sonnet-4.5", ModelConstant: "MODEL_CLAUDE_SONNET_4_5", Label: "Claude Sonnet 4.5"},
	{ID: "claude-opus-4.5", ModelConstant: "MODEL_CLAUDE_OPUS_4_5", Label: "Claude Opus 4.5"},
}

// Executor sends wake prompts to the Cloud Code API.
type Executor struct {
	store         *store.Store
	httpClient    *http.Client
	baseURLs      []string
	defaultPrompt string
}

// NewExecutor creates a wake executor recording history into the store.
func NewExecutor(st *store.Store) *Executor {
	return &Executor{
		store:         st,
		httpClient:    &http.Client{Timeout: 2 * time.Minute},
		baseURLs:      BaseURLs,
		defaultPrompt: DefaultPrompt,
	}
}

// SetDefaultPrompt replaces the built-in wake phrase.
func (e *Executor) SetDefaultPrompt(prompt string) {
	if prompt != "" {
		e.defaultPrompt = prompt
	}
}

// Trigger wakes every model in the batch for one account, sequentially.
// The batch succeeds when any model call succeeds; the message carries the
// first AI response text, or the first error when none succeed. Each batch
// is appended to the trigger history.
func (e *Executor) Trigger(ctx context.Context, accessToken, accountEmail string, models []string, customPrompt, source string) Result {
	start := time.Now()
	prompt := customPrompt
	if prompt == "" {
		prompt = e.defaultPrompt
	}

	requestID := logging.GetRequestID(ctx)
	if requestID == "" {
		requestID = logging.GenerateRequestID()
	}

	var firstResponse, firstError string
	anySuccess := false

	for _, model := range models {
		text, err := e.generateContent(ctx, accessToken, model, prompt, requestID)
		if err != nil {
			log.Printf("[Wake:%s] Model %s failed for %s: %v", requestID, model, accountEmail, err)
			if firstError == "" {
				firstError = fmt.Sprintf("%s: %v", model, err)
			}
			continue
		}
		log.Printf("[Wake:%s] Model %s woke for %s: %s", requestID, model, accountEmail, util.TruncateLog(text, 200))
		anySuccess = true
		if firstResponse == "" {
			firstResponse = text
		}
	}

	result := Result{
		Success:    anySuccess,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if anySuccess {
		result.Message = firstResponse
	} else {
		result.Message = firstError
	}

	modelsJSON, _ := json.Marshal(models)
	rec := &store.TriggerRecord{
		AccountEmail: accountEmail,
		Source:       source,
		Models:       string(modelsJSON),
		Success:      result.Success,
		DurationMs:   result.DurationMs,
		Message:      util.TruncateLog(result.Message, 2000),
	}
	if err := e.store.RecordTrigger(rec); err != nil {
		log.Printf("[Wake:%s] Failed to record trigger history: %v", requestID, err)
	}

	return result
}

// FetchAvailableModels returns the wake-capable model catalog. When filter
// constants are given, only models whose constant appears in quota data are
// returned, so the UI offers only models the account can actually wake.
func (e *Executor) FetchAvailableModels(filterConstants []string) []ModelInfo {
	if len(filterConstants) == 0 {
		return append([]ModelInfo(nil), catalog...)
	}
	allowed := make(map[string]bool, len(filterConstants))
	for _, c := range filterConstants {
		allowed[c] = true
	}
	var result []ModelInfo
	for _, m := range catalog {
		if allowed[m.ModelConstant] || allowed[m.ID] {
			result = append(result, m)
		}
	}
	return result
}

// generateContent posts one minimal prompt, trying each base URL in order.
func (e *Executor) generateContent(ctx context.Context, accessToken, model, prompt, requestID string) (string, error) {
	payload := map[string]interface{}{
		"requestId": fmt.Sprintf("wake-%s-%d", requestID, time.Now().UnixMilli()),
		"model":     model,
		"request": map[string]interface{}{
			"contents": []map[string]interface{}{
				{
					"role": "user",
					"parts": []map[string]interface{}{
						{"text": prompt},
					},
				},
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	var lastErr error
	for _, base := range e.baseURLs {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+":generateContent", bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("User-Agent", UserAgent)

		resp, err := e.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, util.TruncateBytes(respBody))
			// 4xx from one endpoint usually repeats on the next; still try
			// the fallback for 5xx and 429.
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				continue
			}
			return "", lastErr
		}

		return extractText(respBody), nil
	}
	return "", lastErr
}

// extractText pulls the first candidate text out of a generateContent
// response; falls back to the raw body when the shape is unexpected.
func extractText(body []byte) string {
	var parsed struct {
		Response struct {
			Candidates []struct {
				Content struct {
					Parts []struct {
						Text string `json:"text"`
					} `json:"parts"`
				} `json:"content"`
			} `json:"candidates"`
		} `json:"response"`
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		candidates := parsed.Response.Candidates
		if len(candidates) == 0 {
			candidates = parsed.Candidates
		}
		for _, c := range candidates {
			for _, p := range c.Content.Parts {
				if strings.TrimSpace(p.Text) != "" {
					return strings.TrimSpace(p.Text)
				}
			}
		}
	}
	return util.TruncateBytes(body)
}
