// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package classifier maps a message to one of the closed set of intents
// using a generative model behind an OpenAI-compatible API.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"

	"github.com/leonie/brokerflow/internal/models"
)

// Classifier never fails: when the service is unusable it returns a
// degraded OTHER result.
type Classifier interface {
	Classify(ctx context.Context, subject, body string) models.ClassificationResult
}

// Alerter raises operator alerts.
type Alerter interface {
	Alert(kind string, detail map[string]any)
}

// Config tunes the OpenAI classifier.
type Config struct {
	APIKey  string
	BaseURL string // empty for api.openai.com; set for compatible endpoints
	Model   string

	Timeout       time.Duration // per attempt
	MaxAttempts   int
	MinConfidence float64
	Backoff       time.Duration // first retry delay, doubled each attempt
}

// OpenAI classifies through the chat completions API.
type OpenAI struct {
	client *openai.Client
	cfg    Config
	cb     *gobreaker.CircuitBreaker
	alert  Alerter
}

// NewOpenAI creates a classifier. alert may be nil.
func NewOpenAI(cfg Config, alert Alerter) *OpenAI {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}

	settings := gobreaker.Settings{
		Name:        "classifier",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &OpenAI{
		client: openai.NewClientWithConfig(oc),
		cfg:    cfg,
		cb:     gobreaker.NewCircuitBreaker(settings),
		alert:  alert,
	}
}

// Classify implements Classifier.
func (c *OpenAI) Classify(ctx context.Context, subject, body string) models.ClassificationResult {
	var lastErr error

attempts:
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		res, err := c.attempt(ctx, subject, body)
		if err == nil {
			return c.applyFloor(res)
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			slog.Warn("classifier circuit open, degrading", "error", err)
			break attempts
		}
		slog.Warn("classification attempt failed",
			"attempt", attempt,
			"max_attempts", c.cfg.MaxAttempts,
			"error", err,
		)
		if attempt == c.cfg.MaxAttempts {
			break attempts
		}

		wait := c.cfg.Backoff << (attempt - 1)
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			break attempts
		case <-time.After(wait):
		}
	}

	reason := "classifier unavailable"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	slog.Error("classification degraded to OTHER", "reason", reason)
	if c.alert != nil {
		c.alert.Alert("classification_degraded", map[string]any{
			"subject": subject,
			"reason":  reason,
		})
	}
	return models.DegradedResult(reason)
}

func (c *OpenAI) attempt(ctx context.Context, subject, body string) (models.ClassificationResult, error) {
	out, err := c.cb.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: c.cfg.Model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: userPrompt(subject, body)},
			},
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
			Temperature: 0.1,
		})
		if err != nil {
			return nil, fmt.Errorf("chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("chat completion: no choices")
		}
		return decode(resp.Choices[0].Message.Content)
	})
	if err != nil {
		return models.ClassificationResult{}, err
	}
	return out.(models.ClassificationResult), nil
}

// applyFloor demotes low-confidence results to a degraded OTHER without
// alerting. The extracted fields and summary are kept for the audit log.
func (c *OpenAI) applyFloor(res models.ClassificationResult) models.ClassificationResult {
	if res.Confidence >= c.cfg.MinConfidence {
		slog.Info("message classified",
			"action", string(res.Action),
			"confidence", res.Confidence,
		)
		return res
	}
	slog.Info("classification below confidence floor",
		"action", string(res.Action),
		"confidence", res.Confidence,
		"min_confidence", c.cfg.MinConfidence,
	)
	res.Reason = fmt.Sprintf("low confidence %.2f for %s", res.Confidence, res.Action)
	res.Action = models.ActionOther
	res.Degraded = true
	return res
}
