package sentiment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wojtczak/sygnal/internal/domain"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4o-mini"
)

// OpenAIConfig configures the OpenAI-compatible provider.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string // any chat-completions compatible endpoint
	Timeout time.Duration
}

func (c *OpenAIConfig) applyDefaults() {
	if c.Model == "" {
		c.Model = defaultOpenAIModel
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultOpenAIBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
}

// OpenAIClassifier classifies articles through a chat-completions endpoint.
type OpenAIClassifier struct {
	cfg    OpenAIConfig
	client *http.Client
	log    zerolog.Logger
}

var _ domain.Classifier = (*OpenAIClassifier)(nil)

// NewOpenAIClassifier creates the provider.
func NewOpenAIClassifier(cfg OpenAIConfig, log zerolog.Logger) *OpenAIClassifier {
	cfg.applyDefaults()
	return &OpenAIClassifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log.With().Str("component", "openai_classifier").Logger(),
	}
}

// Name implements domain.Classifier.
func (o *OpenAIClassifier) Name() string { return "openai" }

// Available reports whether the endpoint answers with the configured key.
func (o *OpenAIClassifier) Available(ctx context.Context) bool {
	if o.cfg.APIKey == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint("/models"), nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)

	resp, err := o.client.Do(req)
	if err != nil {
		o.log.Debug().Err(err).Msg("OpenAI availability probe failed")
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Classify implements domain.Classifier.
func (o *OpenAIClassifier) Classify(ctx context.Context, article domain.NewsArticle, universe []domain.Stock) (domain.Classification, error) {
	payload, err := json.Marshal(chatRequest{
		Model: o.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(article, universe)},
		},
		Temperature: 0.2,
		MaxTokens:   1024,
	})
	if err != nil {
		return domain.Classification{}, fmt.Errorf("failed to encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint("/chat/completions"), bytes.NewReader(payload))
	if err != nil {
		return domain.Classification{}, fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return domain.Classification{}, domain.NewTransientError("openai chat", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return domain.Classification{}, domain.NewTransientError("openai chat", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Classification{}, fmt.Errorf("openai chat returned status %d", resp.StatusCode)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return domain.Classification{}, domain.NewMalformedError("openai reply is not valid JSON: " + err.Error())
	}
	if len(chat.Choices) == 0 {
		return domain.Classification{}, domain.NewMalformedError("openai reply has no choices")
	}

	return parseAnalysis(chat.Choices[0].Message.Content, o.Name(), article.MentionedStocks, time.Now())
}

func (o *OpenAIClassifier) endpoint(path string) string {
	return strings.TrimRight(o.cfg.BaseURL, "/") + path
}
