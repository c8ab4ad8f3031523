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
	defaultOllamaBaseURL = "http://localhost:11434"
	defaultOllamaModel   = "llama3"
)

// OllamaConfig configures the local Ollama provider.
type OllamaConfig struct {
	Model   string
	BaseURL string
	Timeout time.Duration
}

func (c *OllamaConfig) applyDefaults() {
	if c.Model == "" {
		c.Model = defaultOllamaModel
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultOllamaBaseURL
	}
	if c.Timeout <= 0 {
		// Local models answer slowly on CPU hosts.
		c.Timeout = 120 * time.Second
	}
}

// OllamaClassifier classifies articles through a local Ollama server.
type OllamaClassifier struct {
	cfg    OllamaConfig
	client *http.Client
	log    zerolog.Logger
}

var _ domain.Classifier = (*OllamaClassifier)(nil)

// NewOllamaClassifier creates the provider.
func NewOllamaClassifier(cfg OllamaConfig, log zerolog.Logger) *OllamaClassifier {
	cfg.applyDefaults()
	return &OllamaClassifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log.With().Str("component", "ollama_classifier").Logger(),
	}
}

// Name implements domain.Classifier.
func (o *OllamaClassifier) Name() string { return "ollama" }

// Available probes /api/tags and checks that the configured model is pulled.
func (o *OllamaClassifier) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint("/api/tags"), nil)
	if err != nil {
		return false
	}

	resp, err := o.client.Do(req)
	if err != nil {
		o.log.Debug().Err(err).Msg("Ollama availability probe failed")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return false
	}

	for _, m := range tags.Models {
		if strings.Contains(m.Name, o.cfg.Model) {
			return true
		}
	}
	return false
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type ollamaChatResponse struct {
	Message chatMessage `json:"message"`
}

// Classify implements domain.Classifier.
func (o *OllamaClassifier) Classify(ctx context.Context, article domain.NewsArticle, universe []domain.Stock) (domain.Classification, error) {
	payload, err := json.Marshal(ollamaChatRequest{
		Model: o.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(article, universe)},
		},
		Stream:  false,
		Options: ollamaOptions{Temperature: 0.2, NumPredict: 1024},
	})
	if err != nil {
		return domain.Classification{}, fmt.Errorf("failed to encode ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint("/api/chat"), bytes.NewReader(payload))
	if err != nil {
		return domain.Classification{}, fmt.Errorf("failed to build ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return domain.Classification{}, domain.NewTransientError("ollama chat", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// A local server that answers at all but rejects the request is
		// treated as transient: the model may still be loading.
		return domain.Classification{}, domain.NewTransientError("ollama chat", fmt.Errorf("status %d", resp.StatusCode))
	}

	var chat ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return domain.Classification{}, domain.NewMalformedError("ollama reply is not valid JSON: " + err.Error())
	}

	return parseAnalysis(chat.Message.Content, o.Name(), article.MentionedStocks, time.Now())
}

func (o *OllamaClassifier) endpoint(path string) string {
	return strings.TrimRight(o.cfg.BaseURL, "/") + path
}
