// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package synth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/agentfuzz/agentfuzz/pkg/harness"
	"github.com/agentfuzz/agentfuzz/pkg/log"
	"github.com/agentfuzz/agentfuzz/pkg/mgrconfig"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Gemini generates harnesses with the Gemini API.
type Gemini struct {
	client      *genai.Client
	model       *genai.GenerativeModel
	name        string
	temperature float32
	timeout     time.Duration
}

func NewGemini(ctx context.Context, cfg *mgrconfig.Synthesizer) (*Gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, harness.Infrastructure("gemini", err)
	}
	model := client.GenerativeModel(cfg.Model)
	model.SetTemperature(cfg.Temperature)
	timeout := cfg.TimeoutDur
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &Gemini{
		client:      client,
		model:       model,
		name:        cfg.Model,
		temperature: cfg.Temperature,
		timeout:     timeout,
	}, nil
}

func (g *Gemini) Close() error {
	return g.client.Close()
}

func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	return withRetries(ctx, func() (string, error) {
		return g.generate(ctx, prompt)
	})
}

// StartChat implements ChatModel. Every chat gets its own model since tools
// are a property of the model.
func (g *Gemini) StartChat(tools []*genai.Tool) Chat {
	model := g.client.GenerativeModel(g.name)
	model.SetTemperature(g.temperature)
	model.Tools = tools
	return &geminiChat{
		session: model.StartChat(),
		timeout: g.timeout,
	}
}

type geminiChat struct {
	session *genai.ChatSession
	timeout time.Duration
}

func (c *geminiChat) Send(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	return withRetries(ctx, func() (*genai.GenerateContentResponse, error) {
		history := len(c.session.History)
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		resp, err := c.session.SendMessage(ctx, parts...)
		if err != nil {
			// The failed message stays in the history otherwise.
			c.session.History = c.session.History[:history]
		}
		return resp, err
	})
}

func withRetries[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	for try := 0; ; try++ {
		res, err := fn()
		if err == nil {
			return res, nil
		}
		err = classifyError(err, try)
		retryErr := new(retryError)
		if !errors.As(err, &retryErr) {
			return res, err
		}
		log.Logf(2, "gemini: %v", retryErr)
		select {
		case <-time.After(retryErr.delay):
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
}

func (g *Gemini) generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", err
	}
	return replyText(resp)
}

func replyText(resp *genai.GenerateContentResponse) (string, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		if resp.PromptFeedback != nil {
			return "", fmt.Errorf("request blocked: %v", resp.PromptFeedback.BlockReason)
		}
		return "", fmt.Errorf("empty model response")
	}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return "", fmt.Errorf("no content in the reply (%v)", cand.FinishReason)
	}
	reply := new(strings.Builder)
	for _, part := range cand.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			reply.WriteString(string(text))
		}
	}
	if strings.TrimSpace(reply.String()) == "" {
		return "", fmt.Errorf("empty reply (%v)", cand.FinishReason)
	}
	return reply.String(), nil
}

const (
	maxRetries    = 20
	maxBackoff    = 10 * time.Second
	quotaExceeded = "Quota exceeded for metric"
)

var rePleaseRetry = regexp.MustCompile("Please retry in ([0-9]+)[.s]")

type retryError struct {
	delay time.Duration
	err   error
}

func (err *retryError) Error() string {
	return fmt.Sprintf("%s (should be retried after %v)", err.err, err.delay)
}

func (err *retryError) Unwrap() error {
	return err.err
}

// classifyError turns transient API errors into retryError and errors that
// will affect every request into InfrastructureFailure.
// Other errors are returned as is.
func classifyError(err error, try int) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case http.StatusServiceUnavailable:
		if try < maxRetries {
			return &retryError{min(time.Duration(try+1)*time.Second, maxBackoff), err}
		}
	case http.StatusTooManyRequests:
		if match := rePleaseRetry.FindStringSubmatch(apiErr.Message); match != nil && try < maxRetries {
			sec, _ := strconv.Atoi(match[1])
			return &retryError{time.Duration(sec+1) * time.Second, err}
		}
		if strings.Contains(apiErr.Message, quotaExceeded) {
			return harness.Infrastructure("gemini", err)
		}
		if try < maxRetries {
			return &retryError{maxBackoff, err}
		}
	case http.StatusInternalServerError:
		// Assume ISE is something temporal on the server side.
		if try < maxRetries {
			return &retryError{time.Second, err}
		}
	case http.StatusUnauthorized, http.StatusForbidden:
		return harness.Infrastructure("gemini", err)
	}
	return err
}
