package analyzer

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/YKarmar/JobFunnel/internal/circuitbreaker"
	"github.com/YKarmar/JobFunnel/internal/metrics"
	"github.com/YKarmar/JobFunnel/internal/types"
)

const (
	MethodLLM   = "llm"
	MethodRules = "rules"
)

// 邮件分类器，总是返回结果
type Classifier interface {
	Classify(ctx context.Context, msg types.MailMessage) types.ClassifiedEvent
}

// 外部分类服务，可能不可用
type Primary interface {
	Verdict(ctx context.Context, msg types.MailMessage) (Verdict, error)
}

type TieredOptions struct {
	// 低于该置信度的结果不采用
	MinConfidence float64
	Breaker       *circuitbreaker.CircuitBreaker
	// 调用限速，nil 表示不限
	Limiter *rate.Limiter
	Now     func() time.Time
	Logger  *zap.Logger
}

// 分级分类器：先调用外部服务，失败、熔断或置信度不足时回退到规则
type Tiered struct {
	primary       Primary
	rules         Rules
	breaker       *circuitbreaker.CircuitBreaker
	limiter       *rate.Limiter
	minConfidence float64
	now           func() time.Time
	log           *zap.Logger
}

// 创建分级分类器，primary 为 nil 时只用规则
func NewTiered(primary Primary, opts TieredOptions) *Tiered {
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = 0.5
	}
	if opts.Breaker == nil {
		opts.Breaker = circuitbreaker.New(circuitbreaker.DefaultConfig())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Tiered{
		primary:       primary,
		breaker:       opts.Breaker,
		limiter:       opts.Limiter,
		minConfidence: opts.MinConfidence,
		now:           opts.Now,
		log:           opts.Logger,
	}
}

func (c *Tiered) Classify(ctx context.Context, msg types.MailMessage) types.ClassifiedEvent {
	v, method, degraded := c.verdict(ctx, msg)
	ev := c.finalize(msg, v)
	ev.Method = method
	ev.Degraded = degraded
	metrics.RecordClassification(method, string(ev.Type))
	return ev
}

func (c *Tiered) verdict(ctx context.Context, msg types.MailMessage) (Verdict, string, bool) {
	if c.primary == nil {
		return c.rules.Verdict(msg), MethodRules, false
	}
	// 限速等待放在熔断器外面，取消等待不计入失败
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.log.Debug("classification pacing interrupted, using rules",
				zap.String("message_id", msg.ID), zap.Error(err))
			return c.rules.Verdict(msg), MethodRules, true
		}
	}
	var pv Verdict
	err := c.breaker.Execute(func() error {
		var err error
		pv, err = c.primary.Verdict(ctx, msg)
		return err
	})
	if err == nil && pv.Confidence >= c.minConfidence {
		return pv, MethodLLM, false
	}
	if err != nil {
		c.log.Debug("primary classifier unavailable, using rules",
			zap.String("message_id", msg.ID), zap.Error(err))
	}
	return c.rules.Verdict(msg), MethodRules, true
}

// 对所有分类结果统一做后处理
func (c *Tiered) finalize(msg types.MailMessage, v Verdict) types.ClassifiedEvent {
	ev := types.ClassifiedEvent{
		MessageID:    msg.ID,
		ThreadID:     msg.ThreadID,
		Date:         msg.ReceivedAt.UTC(),
		From:         msg.From,
		Subject:      msg.Subject,
		Type:         v.Type,
		Company:      CleanCompany(v.Company),
		Position:     cleanText(v.Position),
		Confidence:   clamp01(v.Confidence),
		ClassifiedAt: c.now().UTC(),
	}

	switch {
	case ev.Confidence < c.minConfidence:
		// 低置信度结果不采用，包括公司名和职位
		ev.Type, ev.Confidence, ev.Company, ev.Position = types.EventOther, 0, "", ""
		return ev
	case !v.JobRelated, isRSVP(msg.Subject):
		ev.Type, ev.Company, ev.Position = types.EventOther, "", ""
		return ev
	case ev.Type == types.EventInterview && !hasInterviewSignal(lowerText(msg)):
		ev.Type = types.EventOther
		return ev
	}
	if ev.Company == "" {
		ev.Company = CompanyFromSender(msg.From)
	}
	return ev
}

func lowerText(msg types.MailMessage) string {
	return strings.ToLower(msg.Subject + "\n" + msg.Excerpt)
}
