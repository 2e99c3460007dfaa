// Package scan 负责一次完整的邮箱扫描：拉取、预过滤、并发分类、汇总、导出
package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/YKarmar/JobFunnel/internal/aggregator"
	"github.com/YKarmar/JobFunnel/internal/analyzer"
	"github.com/YKarmar/JobFunnel/internal/apperr"
	"github.com/YKarmar/JobFunnel/internal/client"
	"github.com/YKarmar/JobFunnel/internal/exporter"
	"github.com/YKarmar/JobFunnel/internal/logger"
	"github.com/YKarmar/JobFunnel/internal/metrics"
	"github.com/YKarmar/JobFunnel/internal/report"
	"github.com/YKarmar/JobFunnel/internal/types"
)

const dateLayout = "2006-01-02"

// 扫描需要的会话接口
type Sessions interface {
	Session(ctx context.Context, id string) (*types.Session, error)
	TokenSource(id string) client.TokenSource
}

// 根据会话令牌创建邮箱客户端
type MailboxFactory func(provider types.Provider, tokens client.TokenSource) (client.Mailbox, error)

type Options struct {
	Sessions   Sessions
	Mailboxes  MailboxFactory
	Classifier analyzer.Classifier
	Aggregator *aggregator.Aggregator
	// 结果和文件缓存，nil 表示不缓存
	Cache  *exporter.ArtifactCache
	Locker Locker

	Workers       int
	RatePerSecond float64
	Timeout       time.Duration
	Logger        *zap.Logger
	Now           func() time.Time
}

type Orchestrator struct {
	sessions   Sessions
	mailboxes  MailboxFactory
	classifier analyzer.Classifier
	agg        *aggregator.Aggregator
	cache      *exporter.ArtifactCache
	locker     Locker
	workers    int
	rps        float64
	timeout    time.Duration
	log        *zap.Logger
	now        func() time.Time
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Sessions == nil || opts.Mailboxes == nil || opts.Classifier == nil {
		return nil, errors.New("scan: sessions, mailboxes and classifier are required")
	}
	if opts.Aggregator == nil {
		opts.Aggregator = aggregator.New(nil)
	}
	if opts.Locker == nil {
		opts.Locker = NewMemoryLocker()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		sessions:   opts.Sessions,
		mailboxes:  opts.Mailboxes,
		classifier: opts.Classifier,
		agg:        opts.Aggregator,
		cache:      opts.Cache,
		locker:     opts.Locker,
		workers:    opts.Workers,
		rps:        opts.RatePerSecond,
		timeout:    opts.Timeout,
		log:        opts.Logger,
		now:        opts.Now,
	}, nil
}

// 扫描请求，日期范围 Start..End 为UTC，两端都包含
// Identity 可选，只能是当前会话自己的邮箱
type Request struct {
	SessionID string
	Identity  string
	Start     time.Time
	End       time.Time
}

func (r Request) window() (time.Time, time.Time) {
	day := func(t time.Time) time.Time {
		u := t.UTC()
		return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	}
	return day(r.Start), day(r.End).AddDate(0, 0, 1)
}

// 执行扫描，或返回同一邮箱和日期范围的缓存结果
// 失败时返回带 apperr kind 的错误，只有全部步骤完成才返回和缓存结果
func (o *Orchestrator) Run(ctx context.Context, req Request) (*types.ScanResult, error) {
	if req.SessionID == "" {
		return nil, apperr.New(apperr.KindAuthExpired, "no active session; sign in first")
	}
	if req.Start.IsZero() || req.End.IsZero() {
		return nil, apperr.New(apperr.KindInvalidRequest, "start_date and end_date are required")
	}
	start, end := req.window()
	if !start.Before(end) {
		return nil, apperr.New(apperr.KindInvalidRequest, "start_date must not be after end_date")
	}

	sess, err := o.sessions.Session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	// 结果按登录的邮箱隔离，不能指定别人的邮箱
	identity := sess.OwnerEmail
	if identity == "" {
		identity = sess.ID
	}
	if want := strings.TrimSpace(req.Identity); want != "" && !strings.EqualFold(want, identity) {
		return nil, apperr.New(apperr.KindInvalidRequest, "identity does not match the signed-in mailbox")
	}
	owner := string(sess.Provider) + ":" + strings.ToLower(identity)
	startDate, endDate := start.Format(dateLayout), end.AddDate(0, 0, -1).Format(dateLayout)

	log := logger.WithTrace(ctx, o.log).With(
		zap.String("session_id", sess.ID),
		zap.String("provider", string(sess.Provider)),
		zap.String("start", startDate),
		zap.String("end", endDate),
	)

	unlock, err := o.locker.TryLock(ctx, sess.ID)
	if err != nil {
		log.Info("scan rejected, another scan is running")
		return nil, err
	}
	defer unlock()

	began := o.now()
	if o.cache != nil {
		if res, ok := o.cache.Get(owner, startDate, endDate); ok {
			log.Info("scan served from cache")
			metrics.RecordScan(string(sess.Provider), "cached", o.now().Sub(began))
			return res, nil
		}
	}

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	res, err := o.execute(ctx, log, sess, start, end)
	if err != nil {
		err = o.classifyFailure(ctx, err)
		log.Warn("scan failed", zap.String("kind", string(apperr.KindOf(err))), zap.Error(err))
		metrics.RecordScan(string(sess.Provider), string(apperr.KindOf(err)), o.now().Sub(began))
		return nil, err
	}
	res.Identity, res.StartDate, res.EndDate = identity, startDate, endDate

	if o.cache != nil {
		stored, err := o.cache.Put(owner, *res)
		if err != nil {
			metrics.RecordScan(string(sess.Provider), string(apperr.KindScanError), o.now().Sub(began))
			return nil, apperr.Wrap(apperr.KindScanError, "could not save scan artifacts", err)
		}
		res = &stored
	} else {
		png, err := exporter.RenderFunnel(res.Summary, res.FunnelEdges)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindScanError, "could not render funnel", err)
		}
		res.Artifacts.FunnelImageBytes = png
	}

	log.Info("scan completed",
		zap.Int("fetched", res.Summary.MessagesFetched),
		zap.Int("candidates", res.Summary.Candidates),
		zap.Int("applications", res.Summary.Applications),
		zap.Int("degraded", res.Summary.Degraded),
		zap.Duration("elapsed", o.now().Sub(began)),
	)
	metrics.RecordScan(string(sess.Provider), "ok", o.now().Sub(began))
	return res, nil
}

// 确保 Run 返回的错误都有 kind，取消优先于被中断调用的错误
func (o *Orchestrator) classifyFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return apperr.Wrap(apperr.KindScanError, "scan was cancelled or timed out", ctx.Err())
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Wrap(apperr.KindScanError, "unexpected failure during scan", err)
}

func (o *Orchestrator) execute(ctx context.Context, log *zap.Logger, sess *types.Session, start, end time.Time) (*types.ScanResult, error) {
	mb, err := o.mailboxes(sess.Provider, o.sessions.TokenSource(sess.ID))
	if err != nil {
		return nil, fmt.Errorf("open mailbox: %w", err)
	}

	fetched, candidates, err := o.collect(ctx, log, mb, start, end)
	if err != nil {
		return nil, err
	}
	events, warnings, err := o.classifyAll(ctx, log, mb, candidates)
	if err != nil {
		return nil, err
	}

	aggregator.SortEvents(events)
	records := o.agg.Fold(events)
	rep := report.Build(report.Input{
		Events:     events,
		Records:    records,
		Fetched:    fetched,
		Candidates: len(candidates),
	})
	if rep.Summary.Degraded > 0 {
		warnings = append(warnings, fmt.Sprintf("%s: %d messages were classified by fallback rules",
			apperr.KindClassificationDegraded, rep.Summary.Degraded))
	}

	return &types.ScanResult{
		Summary:         rep.Summary,
		ApplicationRows: rep.ApplicationRows,
		MessageRows:     rep.MessageRows,
		FunnelEdges:     rep.FunnelEdges,
		Warnings:        warnings,
		GeneratedAt:     o.now().UTC(),
	}, nil
}

// 分页拉取邮件，返回窗口内去重后的邮件数和通过预过滤的邮件
func (o *Orchestrator) collect(ctx context.Context, log *zap.Logger, mb client.Mailbox, start, end time.Time) (int, []types.MailMessage, error) {
	seen := make(map[string]struct{})
	var candidates []types.MailMessage
	pages, outside := 0, 0

	pager := client.NewPager(mb, start, end, "")
	for pager.Next(ctx) {
		pages++
		for _, msg := range pager.Messages() {
			if msg.ID == "" {
				continue
			}
			if _, dup := seen[msg.ID]; dup {
				continue
			}
			if msg.ReceivedAt.Before(start) || !msg.ReceivedAt.Before(end) {
				outside++
				continue
			}
			seen[msg.ID] = struct{}{}
			if d := analyzer.Prefilter(msg); d.Keep {
				candidates = append(candidates, msg)
			}
		}
	}
	if err := pager.Err(); err != nil {
		return 0, nil, err
	}
	log.Debug("listing done",
		zap.Int("pages", pages),
		zap.Int("messages", len(seen)),
		zap.Int("outside_window", outside),
		zap.Int("candidates", len(candidates)),
	)
	return len(seen), candidates, nil
}

// 用有限并发获取正文并分类，events[i] 对应 candidates[i]
func (o *Orchestrator) classifyAll(ctx context.Context, log *zap.Logger, mb client.Mailbox, candidates []types.MailMessage) ([]types.ClassifiedEvent, []string, error) {
	events := make([]types.ClassifiedEvent, len(candidates))
	limit := rate.Inf
	if o.rps > 0 {
		limit = rate.Limit(o.rps)
	}
	limiter := rate.NewLimiter(limit, max(o.workers, 1))

	var bodyFailures atomic.Int32
	var firstBodyErr sync.Once
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for i, msg := range candidates {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				return err
			}
			body, err := mb.GetBody(gctx, msg.ID)
			switch {
			case err == nil:
				if strings.TrimSpace(body) != "" {
					msg.Excerpt = body
				}
			case gctx.Err() != nil, apperr.Is(err, apperr.KindAuthExpired):
				return err
			default:
				bodyFailures.Add(1)
				firstBodyErr.Do(func() {
					log.Warn("body fetch failed, using snippet", zap.String("message_id", msg.ID), zap.Error(err))
				})
			}
			events[i] = o.classifier.Classify(gctx, msg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var warnings []string
	if n := bodyFailures.Load(); n > 0 {
		warnings = append(warnings, fmt.Sprintf("%d message bodies could not be fetched; their snippets were classified instead", n))
	}
	return events, warnings, nil
}
