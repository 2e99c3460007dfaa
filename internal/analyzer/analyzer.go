package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/YKarmar/JobFunnel/internal/metrics"
	"github.com/YKarmar/JobFunnel/internal/types"
)

// LLM客户端配置
type LLMConfig struct {
	APIBase     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

type LLMRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type LLMResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// 分类器返回的原始判断，未经后处理
type Verdict struct {
	JobRelated bool
	Type       types.EventType
	Company    string
	Position   string
	Confidence float64
}

// 基于LLM的邮件分类器
type LLMClassifier struct {
	cfg        LLMConfig
	httpClient *http.Client
	log        *zap.Logger
}

func NewLLMClassifier(cfg LLMConfig, log *zap.Logger) *LLMClassifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LLMClassifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
	}
}

const systemPrompt = `You label emails from a job seeker's inbox. Reply with one JSON object:
{"is_job_related": bool, "company": string, "position": string,
 "event_type": "application"|"interview"|"rejection"|"offer"|"other", "confidence": number 0..1}
application = the candidate's application was received or submitted.
interview = an interview or assessment is offered, scheduled or confirmed.
rejection = the company declined the candidate at any stage.
offer = a job offer was extended.
other = anything else, including job alerts, newsletters and calendar replies.
Use an empty string for unknown company or position. Never invent names.`

func buildPrompt(msg types.MailMessage) string {
	return fmt.Sprintf("From: %s\nSubject: %s\nDate: %s\n\n%s",
		msg.From, msg.Subject, msg.ReceivedAt.UTC().Format("2006-01-02"), truncateText(msg.Excerpt, 4000))
}

type llmVerdict struct {
	IsJobRelated bool    `json:"is_job_related"`
	Company      string  `json:"company"`
	Position     string  `json:"position"`
	EventType    string  `json:"event_type"`
	Confidence   float64 `json:"confidence"`
}

// 分类单封邮件，返回错误表示服务不可用
func (c *LLMClassifier) Verdict(ctx context.Context, msg types.MailMessage) (Verdict, error) {
	content, err := c.callLLM(ctx, buildPrompt(msg))
	if err != nil {
		return Verdict{}, err
	}
	var out llmVerdict
	if err := json.Unmarshal([]byte(extractJSON(content)), &out); err != nil {
		return Verdict{}, fmt.Errorf("parse LLM verdict: %w", err)
	}
	return Verdict{
		JobRelated: out.IsJobRelated,
		Type:       types.ParseEventType(out.EventType),
		Company:    cleanText(out.Company),
		Position:   cleanText(out.Position),
		Confidence: clamp01(out.Confidence),
	}, nil
}

func (c *LLMClassifier) callLLM(ctx context.Context, prompt string) (string, error) {
	req := LLMRequest{
		Model:          c.cfg.Model,
		Temperature:    c.cfg.Temperature,
		MaxTokens:      c.cfg.MaxTokens,
		ResponseFormat: &responseFormat{Type: "json_object"},
		Messages: []Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.APIBase, "/")+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.RecordLLMCall("network_error", time.Since(start))
		return "", fmt.Errorf("HTTP request: %w", err)
	}
	defer resp.Body.Close()
	metrics.RecordLLMCall(fmt.Sprint(resp.StatusCode), time.Since(start))
	c.log.Debug("llm call",
		zap.Int("status", resp.StatusCode),
		zap.String("request_id", resp.Header.Get("x-request-id")),
		zap.Duration("latency", time.Since(start)))

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return "", fmt.Errorf("LLM API status %d", resp.StatusCode)
	}

	var llmResp LLMResponse
	if err := json.NewDecoder(resp.Body).Decode(&llmResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(llmResp.Choices) == 0 {
		return "", fmt.Errorf("no response from LLM")
	}
	return llmResp.Choices[0].Message.Content, nil
}

func truncateText(text string, maxLen int) string {
	r := []rune(text)
	if len(r) <= maxLen {
		return text
	}
	return string(r[:maxLen]) + "..."
}

// 从模型回复中提取最外层JSON对象
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return text
	}
	end := strings.LastIndex(text, "}")
	if end == -1 || end <= start {
		return text
	}
	return text[start : end+1]
}

var spaceRe = regexp.MustCompile(`\s+`)

func cleanText(text string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(text, " "))
}

func clamp01(f float64) float64 {
	switch {
	case f != f || f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
