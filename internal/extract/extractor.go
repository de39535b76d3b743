// Package extract turns a fetched page into office candidates using a
// language model.
package extract

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/district-offices/internal/config"
	"github.com/sells-group/district-offices/internal/model"
	"github.com/sells-group/district-offices/internal/resilience"
	"github.com/sells-group/district-offices/pkg/anthropic"
)

// Extractor turns a cleaned document into office candidates.
type Extractor interface {
	Extract(ctx context.Context, document string) (*Result, error)
}

// Result is a successful extraction. Candidates may be empty.
type Result struct {
	Candidates []model.OfficeCandidate
	// Response is the raw model text, stored as an artifact.
	Response string
	Model    string
	Usage    anthropic.TokenUsage
	CostUSD  float64
	Duration time.Duration
}

// ExtractError is returned for every failed extraction. Response holds the
// raw model text when the failure was a parse error.
type ExtractError struct {
	Kind     model.ErrorKind
	Response string
	Err      error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extract: %s: %v", e.Kind, e.Err)
}

func (e *ExtractError) Unwrap() error { return e.Err }

// Retryable reports whether the same document may extract on a later call.
func (e *ExtractError) Retryable() bool {
	switch e.Kind {
	case model.ErrorKindProvider, model.ErrorKindQuota, model.ErrorKindMalformed:
		return true
	}
	return false
}

// AsExtractError unwraps err into an *ExtractError.
func AsExtractError(err error) (*ExtractError, bool) {
	var ee *ExtractError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// LLMExtractor implements Extractor against the Anthropic messages API.
type LLMExtractor struct {
	client  anthropic.Client
	cfg     config.AnthropicConfig
	pricing map[string]anthropic.Pricing
	breaker *resilience.CircuitBreaker
}

// NewLLMExtractor creates an extractor. pricing entries from config override
// the built-in defaults.
func NewLLMExtractor(client anthropic.Client, cfg config.AnthropicConfig, pricing config.PricingConfig) *LLMExtractor {
	prices := make(map[string]anthropic.Pricing, len(anthropic.DefaultPricing)+len(pricing.Anthropic))
	for k, v := range anthropic.DefaultPricing {
		prices[k] = v
	}
	for k, v := range pricing.Anthropic {
		prices[k] = anthropic.Pricing{Input: v.Input, Output: v.Output}
	}
	return &LLMExtractor{
		client:  client,
		cfg:     cfg,
		pricing: prices,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "anthropic",
			FailureThreshold: 5,
			ResetTimeout:     time.Minute,
			ShouldTrip: func(err error) bool {
				ee, ok := AsExtractError(err)
				return ok && (ee.Kind == model.ErrorKindProvider || ee.Kind == model.ErrorKindQuota)
			},
		}),
	}
}

// Extract sends document to the model and parses its reply.
func (x *LLMExtractor) Extract(ctx context.Context, document string) (*Result, error) {
	if strings.TrimSpace(document) == "" {
		return &Result{Model: x.cfg.Model}, nil
	}

	start := time.Now()
	temp := x.cfg.Temperature
	req := anthropic.MessageRequest{
		Model:     x.cfg.Model,
		MaxTokens: x.cfg.MaxTokens,
		System: []anthropic.SystemBlock{{
			Text:         systemPrompt,
			CacheControl: &anthropic.CacheControl{TTL: "5m"},
		}},
		Messages:    []anthropic.Message{{Role: "user", Content: document}},
		Temperature: &temp,
	}

	resp, err := resilience.Execute(ctx, x.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		resp, err := x.client.CreateMessage(ctx, req)
		if err != nil {
			return nil, classify(err)
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, &ExtractError{Kind: model.ErrorKindProvider, Err: err}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	text := resp.Text()
	res := &Result{
		Response: text,
		Model:    resp.Model,
		Usage:    resp.Usage,
		CostUSD:  resp.Usage.EstimateCost(x.cfg.Model, x.pricing),
		Duration: time.Since(start),
	}
	resp.Usage.LogCost(x.cfg.Model, x.pricing, zap.Duration("duration", res.Duration))

	if resp.StopReason == "max_tokens" {
		zap.L().Warn("model reply hit max_tokens; parsing what was returned",
			zap.Int64("max_tokens", x.cfg.MaxTokens),
		)
	}

	cands, err := ParseOffices(text)
	if err != nil {
		return nil, &ExtractError{Kind: model.ErrorKindMalformed, Response: text, Err: err}
	}
	res.Candidates = cands
	return res, nil
}

// classify maps an API failure onto quota or provider_error. Cancellation is
// returned as is.
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	status := anthropic.StatusCode(err)
	msg := err.Error()
	switch {
	case status == http.StatusTooManyRequests, status == 529,
		strings.Contains(msg, "rate_limit_error"), strings.Contains(msg, "overloaded_error"):
		return &ExtractError{Kind: model.ErrorKindQuota, Err: err}
	default:
		return &ExtractError{Kind: model.ErrorKindProvider, Err: err}
	}
}
