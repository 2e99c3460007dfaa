package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/YKarmar/JobFunnel/internal/types"
)

const graphPageSize = 100

// Microsoft Graph 邮件客户端，只需要 Mail.Read 权限
type Outlook struct {
	t       *transport
	baseURL string
}

func (o *Outlook) Provider() types.Provider { return types.ProviderMicrosoft }

type graphAddress struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type graphMessage struct {
	ID               string       `json:"id"`
	ConversationID   string       `json:"conversationId"`
	ReceivedDateTime string       `json:"receivedDateTime"`
	Subject          string       `json:"subject"`
	BodyPreview      string       `json:"bodyPreview"`
	From             graphAddress `json:"from"`
	Body             struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

type graphList struct {
	Value    []graphMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

func graphTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func (o *Outlook) firstPageURL(start, end time.Time) string {
	v := url.Values{}
	v.Set("$select", "id,conversationId,receivedDateTime,subject,bodyPreview,from")
	v.Set("$top", fmt.Sprint(graphPageSize))
	v.Set("$orderby", "receivedDateTime desc")
	v.Set("$filter", fmt.Sprintf("receivedDateTime ge %s and receivedDateTime lt %s", graphTime(start), graphTime(end)))
	return o.baseURL + "/me/messages?" + v.Encode()
}

// 使用 @odata.nextLink 作为游标
// 不在 Graph 地址下的游标直接拒绝，令牌不会发往其他地址
func (o *Outlook) ListPage(ctx context.Context, start, end time.Time, cursor string) (Page, error) {
	u := cursor
	if u == "" {
		u = o.firstPageURL(start, end)
	} else if !strings.HasPrefix(u, o.baseURL+"/") {
		return Page{}, errForeignCursor
	}
	var list graphList
	if err := o.t.getJSON(ctx, "list", u, nil, &list); err != nil {
		return Page{}, fmt.Errorf("graph list: %w", err)
	}
	page := Page{NextCursor: list.NextLink}
	for _, m := range list.Value {
		page.Messages = append(page.Messages, types.MailMessage{
			ID:         m.ID,
			ThreadID:   m.ConversationID,
			ReceivedAt: parseGraphTime(m.ReceivedDateTime),
			From:       formatSender(m.From),
			Subject:    m.Subject,
			Excerpt:    m.BodyPreview,
		})
	}
	return page, nil
}

func parseGraphTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func formatSender(a graphAddress) string {
	name, addr := strings.TrimSpace(a.EmailAddress.Name), strings.TrimSpace(a.EmailAddress.Address)
	switch {
	case name != "" && addr != "":
		return name + " <" + addr + ">"
	case addr != "":
		return addr
	default:
		return name
	}
}

func (o *Outlook) GetBody(ctx context.Context, messageID string) (string, error) {
	var m graphMessage
	u := o.baseURL + "/me/messages/" + url.PathEscape(messageID) + "?$select=body"
	header := http.Header{}
	header.Set("Prefer", `outlook.body-content-type="text"`)
	if err := o.t.getJSON(ctx, "body", u, header, &m); err != nil {
		return "", fmt.Errorf("graph body %s: %w", messageID, err)
	}
	text := m.Body.Content
	if strings.EqualFold(m.Body.ContentType, "html") {
		text = stripHTML(text)
	}
	return truncateRunes(collapseSpace(text), MaxBodyChars), nil
}
