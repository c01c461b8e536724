package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"gridarena/internal/config"
	"gridarena/internal/core"
	"gridarena/pkg/httpclient"
)

// Registry holds named decision providers. Trader configs bind to providers
// by name; with strict validation the binding is checked at boot.
type Registry struct {
	providers map[string]core.DecisionProvider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]core.DecisionProvider)}
}

// Register adds a provider under its name, replacing any previous binding.
func (r *Registry) Register(p core.DecisionProvider) {
	r.providers[p.Name()] = p
}

// Get looks up a provider by name.
func (r *Registry) Get(name string) (core.DecisionProvider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names lists registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildRegistry constructs providers from configuration.
func BuildRegistry(cfgs []config.ProviderConfig, logger core.ILogger) *Registry {
	registry := NewRegistry()
	for _, cfg := range cfgs {
		registry.Register(NewHTTPProvider(cfg, logger))
	}
	return registry
}

// HTTPProvider calls an OpenAI-compatible chat-completions endpoint. The
// reply text is returned raw; only the parser interprets it.
type HTTPProvider struct {
	name         string
	model        string
	apiKey       string
	client       *httpclient.Client
	costPer1kIn  float64
	costPer1kOut float64
	logger       core.ILogger
}

// NewHTTPProvider creates a provider from its configuration.
func NewHTTPProvider(cfg config.ProviderConfig, logger core.ILogger) *HTTPProvider {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		name:         cfg.Name,
		model:        cfg.Model,
		apiKey:       cfg.APIKey,
		client:       httpclient.NewClient(cfg.BaseURL, timeout, bearerSigner{token: cfg.APIKey}),
		costPer1kIn:  cfg.CostPer1kIn,
		costPer1kOut: cfg.CostPer1kOut,
		logger:       logger.WithField("component", "decision_provider").WithField("provider", cfg.Name),
	}
}

func (p *HTTPProvider) Name() string { return p.name }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Decide sends one decision round and returns the raw reply plus usage.
func (p *HTTPProvider) Decide(ctx context.Context, req *core.DecisionRequest) (*core.DecisionResponse, error) {
	start := time.Now()

	body, err := p.client.Post(ctx, "/chat/completions", chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("provider %s call failed: %w", p.name, err)
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("provider %s returned malformed envelope: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("provider %s returned no choices", p.name)
	}

	latency := time.Since(start)
	cost := float64(resp.Usage.PromptTokens)/1000*p.costPer1kIn +
		float64(resp.Usage.CompletionTokens)/1000*p.costPer1kOut

	return &core.DecisionResponse{
		RawText:   resp.Choices[0].Message.Content,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
		CostUSD:   cost,
		Latency:   latency,
	}, nil
}

// bearerSigner attaches the API key as a bearer token.
type bearerSigner struct {
	token string
}

func (s bearerSigner) SignRequest(req *http.Request) error {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	return nil
}
