package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/YKarmar/JobFunnel/internal/apperr"
	"github.com/YKarmar/JobFunnel/internal/metrics"
	"github.com/YKarmar/JobFunnel/internal/types"
)

const maxRetryAfter = 2 * time.Minute

// 带认证的GET请求
// 临时错误和限流按退避重试，401时刷新一次令牌
type transport struct {
	provider    types.Provider
	http        *http.Client
	tokens      TokenSource
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	log         *zap.Logger
}

func (t *transport) getJSON(ctx context.Context, op, rawURL string, header http.Header, out any) error {
	p := string(t.provider)
	var token string
	refreshed, haveToken := false, false
	attempt := 0

	for {
		attempt++
		// 重试前的等待可能让令牌接近过期，每次重新获取（401刚刷新过的除外）
		if !haveToken {
			var err error
			if token, err = t.tokens.Token(ctx); err != nil {
				return err
			}
		}
		haveToken = false
		resp, err := t.do(ctx, rawURL, token, header)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.RecordProviderRequest(p, op, "network_error")
			if attempt >= t.maxAttempts {
				return apperr.Wrap(apperr.KindProviderUnavailable, "mail provider is unreachable", err)
			}
			metrics.RecordProviderRetry(p, "transient")
			if err := sleep(ctx, t.backoff(attempt)); err != nil {
				return err
			}
			continue
		}

		metrics.RecordProviderRequest(p, op, strconv.Itoa(resp.StatusCode))
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			defer resp.Body.Close()
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return apperr.Wrap(apperr.KindProviderUnavailable, "mail provider sent an unreadable response", err)
			}
			return nil

		case resp.StatusCode == http.StatusUnauthorized:
			drain(resp)
			if refreshed {
				return apperr.New(apperr.KindAuthExpired, "mail provider rejected the session; sign in again")
			}
			refreshed = true
			attempt--
			metrics.RecordProviderRetry(p, "unauthorized")
			token, err = t.tokens.RefreshRejected(ctx, token)
			if err != nil {
				return err
			}
			haveToken = true

		case isRateLimited(resp):
			wait, ok := retryAfter(resp.Header, time.Now())
			drain(resp)
			if attempt >= t.maxAttempts {
				return apperr.New(apperr.KindProviderRateLimited, "mail provider rate limit reached; try again later")
			}
			if !ok {
				wait = t.backoff(attempt)
			}
			metrics.RecordProviderRetry(p, "rate_limited")
			t.log.Debug("provider rate limited", zap.String("op", op), zap.Duration("wait", wait))
			if err := sleep(ctx, wait); err != nil {
				return err
			}

		case resp.StatusCode >= 500:
			drain(resp)
			if attempt >= t.maxAttempts {
				return apperr.New(apperr.KindProviderUnavailable,
					fmt.Sprintf("mail provider failed with status %d", resp.StatusCode))
			}
			metrics.RecordProviderRetry(p, "transient")
			if err := sleep(ctx, t.backoff(attempt)); err != nil {
				return err
			}

		default:
			drain(resp)
			return apperr.New(apperr.KindProviderUnavailable,
				fmt.Sprintf("mail provider refused %s with status %d", op, resp.StatusCode))
		}
	}
}

func (t *transport) do(ctx context.Context, rawURL, token string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	return t.http.Do(req)
}

// 指数退避 base*2^(attempt-1)，有上限
func (t *transport) backoff(attempt int) time.Duration {
	d := t.backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= t.backoffMax {
			return t.backoffMax
		}
	}
	return d
}

// 429 和配额相关的 403 视为限流
// 读取过的 403 响应体会被替换，调用方仍可读取
func isRateLimited(resp *http.Response) bool {
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if resp.StatusCode != http.StatusForbidden {
		return false
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	resp.Body = io.NopCloser(strings.NewReader(""))
	s := strings.ToLower(string(b))
	return strings.Contains(s, "ratelimitexceeded") || strings.Contains(s, "quota")
}

// 解析 Retry-After 头，支持秒数和HTTP日期
func retryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(v); err == nil {
		d = at.Sub(now)
	} else {
		return 0, false
	}
	if d < 0 {
		d = 0
	}
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d, true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

var errForeignCursor = errors.New("page cursor points outside the provider API")
