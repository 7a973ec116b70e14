// Package judge scores fact quality with an LLM acting as judge over an
// OpenAI-compatible chat completions API.
package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kadirpekel/memtree/pkg/httpclient"
	"github.com/kadirpekel/memtree/pkg/memerr"
	"github.com/kadirpekel/memtree/pkg/model"
)

// Scores is one evaluation, each dimension in [0, 1].
type Scores struct {
	Accuracy    float64 `json:"accuracy"`
	Relevance   float64 `json:"relevance"`
	Specificity float64 `json:"specificity"`
	Explanation string  `json:"explanation,omitempty"`
}

// Judge evaluates a fact's quality.
type Judge interface {
	Evaluate(ctx context.Context, fact *model.Fact) (*Scores, error)
}

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
)

const systemPrompt = `You are a strict evaluator of knowledge-base facts.
Given a fact, rate it on three dimensions, each between 0 and 1:
- accuracy: is the statement plausible and internally consistent
- relevance: is it useful knowledge for a software agent
- specificity: is it concrete rather than vague
Respond with JSON only: {"accuracy": x, "relevance": y, "specificity": z, "explanation": "..."}`

// LLMJudge calls an OpenAI-compatible chat completions endpoint and
// parses a structured JSON verdict.
type LLMJudge struct {
	client  *httpclient.Client
	baseURL string
	apiKey  string
	model   string
}

// Config configures the LLM judge.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// New creates an LLM judge. Returns nil when no API key is configured;
// callers fall back to heuristic scoring.
func New(cfg Config) *LLMJudge {
	if cfg.APIKey == "" {
		return nil
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	mdl := cfg.Model
	if mdl == "" {
		mdl = defaultModel
	}
	return &LLMJudge{
		client:  httpclient.New(),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   mdl,
	}
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Evaluate scores one fact. Any transport or parse failure surfaces as
// JudgeUnavailable so callers can fall back.
func (j *LLMJudge) Evaluate(ctx context.Context, fact *model.Fact) (*Scores, error) {
	prompt := fmt.Sprintf("Category: %s\nFact: %s", fact.Category, fact.Text)
	req := chatRequest{
		Model: j.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature:    0,
		ResponseFormat: responseFormat{Type: "json_object"},
	}

	headers := map[string]string{"Authorization": "Bearer " + j.apiKey}
	var resp chatResponse
	err := j.client.PostJSON(ctx, j.baseURL+"/chat/completions", headers, req, &resp)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindJudgeUnavailable, "judge.evaluate", err)
	}
	if resp.Error != nil {
		return nil, memerr.Newf(memerr.KindJudgeUnavailable, "judge.evaluate", "judge API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, memerr.New(memerr.KindJudgeUnavailable, "judge.evaluate", "judge returned no choices")
	}

	var scores Scores
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &scores); err != nil {
		return nil, memerr.Wrap(memerr.KindJudgeUnavailable, "judge.evaluate", err)
	}
	scores.Accuracy = model.Clamp01(scores.Accuracy)
	scores.Relevance = model.Clamp01(scores.Relevance)
	scores.Specificity = model.Clamp01(scores.Specificity)
	return &scores, nil
}

var _ Judge = (*LLMJudge)(nil)
