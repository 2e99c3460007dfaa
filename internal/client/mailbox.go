package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/YKarmar/JobFunnel/internal/config"
	"github.com/YKarmar/JobFunnel/internal/types"
)

// 邮件正文保留的最大字符数
const MaxBodyChars = 20000

// 服务商返回的一页邮件元数据
type Page struct {
	Messages   []types.MailMessage
	NextCursor string
}

// 只读邮箱接口，两个服务商都实现
// 时间窗口为左闭右开 [start, end)
type Mailbox interface {
	Provider() types.Provider
	ListPage(ctx context.Context, start, end time.Time, cursor string) (Page, error)
	GetBody(ctx context.Context, messageID string) (string, error)
}

// 提供某个会话的访问令牌
// 服务商对某个令牌返回401后调用 RefreshRejected
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	RefreshRejected(ctx context.Context, rejected string) (string, error)
}

type Options struct {
	HTTPClient   *http.Client
	GmailBaseURL string
	GraphBaseURL string
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	// 用求职关键词缩小 Gmail 搜索范围
	StrictQuery bool
	Logger      *zap.Logger
}

func (o *Options) defaults() {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.GmailBaseURL == "" {
		o.GmailBaseURL = "https://gmail.googleapis.com/gmail/v1"
	}
	if o.GraphBaseURL == "" {
		o.GraphBaseURL = "https://graph.microsoft.com/v1.0"
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// 创建对应服务商的邮箱客户端
func NewMailbox(provider types.Provider, tokens TokenSource, opts Options) (Mailbox, error) {
	opts.defaults()
	t := &transport{
		provider:    provider,
		http:        opts.HTTPClient,
		tokens:      tokens,
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		backoffMax:  opts.BackoffMax,
		log:         opts.Logger.With(zap.String("provider", string(provider))),
	}
	switch provider {
	case types.ProviderGoogle:
		return &Gmail{t: t, baseURL: opts.GmailBaseURL, strict: opts.StrictQuery}, nil
	case types.ProviderMicrosoft:
		return &Outlook{t: t, baseURL: opts.GraphBaseURL}, nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
}

// 构建服务商的OAuth授权码配置
func OAuthConfig(provider types.Provider, creds config.ProviderCredentials) (*oauth2.Config, error) {
	var ep oauth2.Endpoint
	switch provider {
	case types.ProviderGoogle:
		ep = endpoints.Google
	case types.ProviderMicrosoft:
		tenant := creds.Tenant
		if tenant == "" {
			tenant = "common"
		}
		ep = endpoints.AzureAD(tenant)
	default:
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     ep,
		RedirectURL:  creds.RedirectURI,
		Scopes:       creds.Scopes,
	}, nil
}

// 逐页遍历邮箱，可以从 Cursor 返回的任意位置重新开始
type Pager struct {
	mb         Mailbox
	start, end time.Time
	cursor     string
	page       []types.MailMessage
	started    bool
	done       bool
	err        error
}

func NewPager(mb Mailbox, start, end time.Time, cursor string) *Pager {
	return &Pager{mb: mb, start: start, end: end, cursor: cursor}
}

// 获取下一页，遍历结束或失败时返回 false，失败原因见 Err
func (p *Pager) Next(ctx context.Context) bool {
	if p.done || p.err != nil {
		return false
	}
	if p.started && p.cursor == "" {
		p.done = true
		return false
	}
	if err := ctx.Err(); err != nil {
		p.err = err
		return false
	}
	page, err := p.mb.ListPage(ctx, p.start, p.end, p.cursor)
	if err != nil {
		p.err = err
		return false
	}
	p.started = true
	p.page = page.Messages
	p.cursor = page.NextCursor
	return true
}

func (p *Pager) Messages() []types.MailMessage { return p.page }

// 当前页之后的续读位置
func (p *Pager) Cursor() string { return p.cursor }

func (p *Pager) Err() error { return p.err }

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
