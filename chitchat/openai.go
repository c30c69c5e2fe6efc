package chitchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const (
	conciseAnswerSuffix = "\n\nPlease provide a concise answer."

	translatePrompt = "Translate the following Discord message to English. " +
		"Only return the translation, without quotes or commentary.\n\n"

	rewritePrompt = "Rewrite the following Discord message to be polite, respectful, " +
		"and non-offensive, keeping the same meaning. Only return the rewritten sentence." +
		"\n\nOriginal: "
)

var (
	// ErrEmptyCompletion is returned when the model responds, but with
	// nothing usable
	ErrEmptyCompletion = errors.New("empty completion")

	// ErrNoModerationResults is returned when the moderation endpoint
	// responds without any results
	ErrNoModerationResults = errors.New("no moderation results")
)

// OpenAIClient is the subset of the go-openai client used by the bot,
// so it can be mocked in tests
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)

	Moderations(
		ctx context.Context,
		request openai.ModerationRequest,
	) (openai.ModerationResponse, error)
}

// ModerationVerdict is the classifier's opinion of a single text
type ModerationVerdict struct {
	Flagged        bool               `json:"flagged"`
	CategoryScores map[string]float64 `json:"category_scores,omitempty"`
}

// OpenAI wraps the completion and moderation endpoints with the bot's
// models, output limits, timeouts and request pacing.
type OpenAI struct {
	client         OpenAIClient
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
	metrics        *metrics
}

func newOpenAI(config *OpenAIConfig, httpClient *http.Client, logger *slog.Logger) *OpenAI {
	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}

	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		config: config,
		logger: logger,
		requestLimiter: rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			max(1, int(config.MaxRequestsPerSecond)),
		),
	}
}

// waitOnRequestLimiter waits for the request limiter to allow the next request,
// returning any error from the limiter itself
func (o *OpenAI) waitOnRequestLimiter(ctx context.Context) error {
	if o.requestLimiter == nil {
		return nil
	}
	if err := o.requestLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("openai: request limiter: %w", err)
	}
	return nil
}

func (o *OpenAI) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.config.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.config.Timeout)
}

func (o *OpenAI) observe(start time.Time, endpoint string, err error) {
	if o.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
			status = fmt.Sprintf("%d", apiErr.HTTPStatusCode)
		}
	}
	o.metrics.UpstreamDuration.WithLabelValues("openai_"+endpoint, status).Observe(time.Since(start).Seconds())
}

// complete sends a single user message to model and returns the trimmed
// reply, capped at the configured output token limit
func (o *OpenAI) complete(ctx context.Context, model string, prompt string) (string, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return "", err
	}

	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxCompletionTokens: o.config.MaxOutputTokens,
	}

	logger := loggerFromContext(ctx, o.logger)
	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, req)
	o.observe(start, "chat", err)
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	logger.DebugContext(
		ctx,
		"chat completion finished",
		"model", resp.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"duration", time.Since(start),
	)

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: %w: no choices", ErrEmptyCompletion)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf(
			"openai: %w (finish_reason=%s)",
			ErrEmptyCompletion,
			resp.Choices[0].FinishReason,
		)
	}
	return content, nil
}

// Generate answers prompt with the main model, asking it to keep the
// answer short
func (o *OpenAI) Generate(ctx context.Context, prompt string) (string, error) {
	return o.complete(ctx, o.config.Model, prompt+conciseAnswerSuffix)
}

// Rewrite asks the main model for a polite version of text
func (o *OpenAI) Rewrite(ctx context.Context, text string) (string, error) {
	return o.Generate(ctx, rewritePrompt+text)
}

// Translate returns text in English, using the cheaper translation model
func (o *OpenAI) Translate(ctx context.Context, text string) (string, error) {
	return o.complete(ctx, o.config.TranslationModel, translatePrompt+text)
}

// Moderate classifies text with the moderation model
func (o *OpenAI) Moderate(ctx context.Context, text string) (ModerationVerdict, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return ModerationVerdict{}, err
	}

	start := time.Now()
	resp, err := o.client.Moderations(
		ctx,
		openai.ModerationRequest{Input: text, Model: o.config.ModerationModel},
	)
	o.observe(start, "moderation", err)
	if err != nil {
		return ModerationVerdict{}, fmt.Errorf("openai: moderation: %w", err)
	}
	if len(resp.Results) == 0 {
		return ModerationVerdict{}, fmt.Errorf("openai: %w", ErrNoModerationResults)
	}

	result := resp.Results[0]
	return ModerationVerdict{
		Flagged:        result.Flagged,
		CategoryScores: categoryScores(result.CategoryScores),
	}, nil
}

// categoryScores flattens the typed scores into a map keyed by the API's
// category names
func categoryScores(scores openai.ResultCategoryScores) map[string]float64 {
	data, err := json.Marshal(scores)
	if err != nil {
		return nil
	}
	var m map[string]float64
	if err = json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
