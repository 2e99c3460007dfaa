package client

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/YKarmar/JobFunnel/internal/apperr"
	"github.com/YKarmar/JobFunnel/internal/types"
)

const gmailPageSize = 500

// 严格模式下只搜索可能与求职相关的邮件
const strictGmailClause = `{"thank you for applying" "thanks for applying" "application received" ` +
	`"your application" interview "next steps" offer "not moving forward" "regret to inform" ` +
	`"unfortunately" assessment "coding challenge" recruiter}`

// Gmail REST API 客户端，只需要 gmail.readonly 权限
type Gmail struct {
	t       *transport
	baseURL string
	strict  bool
}

func (g *Gmail) Provider() types.Provider { return types.ProviderGoogle }

type gmailList struct {
	Messages []struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	} `json:"messages"`
	NextPageToken string `json:"nextPageToken"`
}

type gmailMessage struct {
	ID           string `json:"id"`
	ThreadID     string `json:"threadId"`
	Snippet      string `json:"snippet"`
	InternalDate string `json:"internalDate"`
	Raw          string `json:"raw"`
	Payload      struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
	} `json:"payload"`
}

func (m gmailMessage) header(name string) string {
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// 使用秒级时间戳，保证时间窗口按UTC精确
func gmailQuery(start, end time.Time, strict bool) string {
	q := fmt.Sprintf("after:%d before:%d", start.Unix(), end.Unix())
	if strict {
		q += " " + strictGmailClause
	}
	return q
}

func (g *Gmail) ListPage(ctx context.Context, start, end time.Time, cursor string) (Page, error) {
	v := url.Values{}
	v.Set("q", gmailQuery(start, end, g.strict))
	v.Set("maxResults", strconv.Itoa(gmailPageSize))
	if cursor != "" {
		v.Set("pageToken", cursor)
	}
	var list gmailList
	if err := g.t.getJSON(ctx, "list", g.baseURL+"/users/me/messages?"+v.Encode(), nil, &list); err != nil {
		return Page{}, fmt.Errorf("gmail list: %w", err)
	}

	page := Page{NextCursor: list.NextPageToken}
	for _, stub := range list.Messages {
		msg, err := g.metadata(ctx, stub.ID)
		if err != nil {
			return Page{}, err
		}
		if msg.ThreadID == "" {
			msg.ThreadID = stub.ThreadID
		}
		page.Messages = append(page.Messages, msg)
	}
	return page, nil
}

func (g *Gmail) metadata(ctx context.Context, id string) (types.MailMessage, error) {
	v := url.Values{}
	v.Set("format", "metadata")
	v["metadataHeaders"] = []string{"From", "Subject", "Date"}
	var m gmailMessage
	u := g.baseURL + "/users/me/messages/" + url.PathEscape(id) + "?" + v.Encode()
	if err := g.t.getJSON(ctx, "metadata", u, nil, &m); err != nil {
		return types.MailMessage{}, fmt.Errorf("gmail metadata %s: %w", id, err)
	}
	return types.MailMessage{
		ID:         m.ID,
		ThreadID:   m.ThreadID,
		ReceivedAt: gmailReceivedAt(m.InternalDate, m.header("Date")),
		From:       m.header("From"),
		Subject:    m.header("Subject"),
		Excerpt:    m.Snippet,
	}, nil
}

// 优先使用 internalDate（毫秒时间戳），否则解析 Date 头
func gmailReceivedAt(internalDate, dateHeader string) time.Time {
	if ms, err := strconv.ParseInt(internalDate, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	if t, err := mail.ParseDate(dateHeader); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func (g *Gmail) GetBody(ctx context.Context, messageID string) (string, error) {
	var m gmailMessage
	u := g.baseURL + "/users/me/messages/" + url.PathEscape(messageID) + "?format=raw"
	if err := g.t.getJSON(ctx, "body", u, nil, &m); err != nil {
		return "", fmt.Errorf("gmail body %s: %w", messageID, err)
	}
	raw, err := decodeBase64URL(m.Raw)
	if err != nil {
		return "", apperr.Wrap(apperr.KindProviderUnavailable, "mail provider sent an undecodable message", err)
	}
	return truncateRunes(textFromMIME(raw), MaxBodyChars), nil
}

func decodeBase64URL(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	return base64.RawURLEncoding.DecodeString(s)
}
