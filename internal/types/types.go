package types

import (
	"strings"
	"time"
)

// 支持的邮箱服务商
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// 解析路由和配置中使用的服务商名称
func ParseProvider(s string) (Provider, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "google", "gmail":
		return ProviderGoogle, true
	case "microsoft", "outlook", "azure":
		return ProviderMicrosoft, true
	default:
		return "", false
	}
}

// 单封邮件所代表的求职阶段
type EventType string

const (
	EventApplication EventType = "application"
	EventInterview   EventType = "interview"
	EventRejection   EventType = "rejection"
	EventOffer       EventType = "offer"
	EventOther       EventType = "other"
)

// 将自由文本标签归入固定的事件类型
func ParseEventType(s string) EventType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "application", "applied", "application_received":
		return EventApplication
	case "interview", "interviewing", "oa", "assessment":
		return EventInterview
	case "rejection", "rejected", "declined":
		return EventRejection
	case "offer", "offered":
		return EventOffer
	default:
		return EventOther
	}
}

// 申请记录的派生状态
type Status string

const (
	StatusApplied      Status = "Applied"
	StatusInterviewing Status = "Interviewing"
	StatusRejected     Status = "Rejected"
	StatusOffer        Status = "Offer"
)

// 返回事件对应的状态（如果有）
func StatusFor(t EventType) (Status, bool) {
	switch t {
	case EventApplication:
		return StatusApplied, true
	case EventInterview:
		return StatusInterviewing, true
	case EventRejection:
		return StatusRejected, true
	case EventOffer:
		return StatusOffer, true
	default:
		return "", false
	}
}

// 状态优先级: Offer > Rejected > Interviewing > Applied
func (s Status) Priority() int {
	switch s {
	case StatusOffer:
		return 4
	case StatusRejected:
		return 3
	case StatusInterviewing:
		return 2
	case StatusApplied:
		return 1
	default:
		return 0
	}
}

// 登录会话，关联某个服务商的OAuth凭据
// 令牌字段只保存密文
type Session struct {
	ID                    string    `json:"id"`
	Provider              Provider  `json:"provider"`
	EncryptedAccessToken  []byte    `json:"access_token_enc"`
	EncryptedRefreshToken []byte    `json:"refresh_token_enc,omitempty"`
	Expiry                time.Time `json:"expiry"`
	OwnerEmail            string    `json:"owner_email,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// 服务商列出的邮件元数据
type MailMessage struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	ReceivedAt time.Time `json:"received_at"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	Excerpt    string    `json:"excerpt"`
}

// 单封邮件的分类结果
type ClassifiedEvent struct {
	MessageID    string    `json:"message_id"`
	ThreadID     string    `json:"thread_id"`
	Date         time.Time `json:"date"`
	From         string    `json:"from"`
	Subject      string    `json:"subject"`
	Type         EventType `json:"event_type"`
	Company      string    `json:"company"`
	Position     string    `json:"position"`
	Confidence   float64   `json:"confidence"`
	Method       string    `json:"method"`
	Degraded     bool      `json:"degraded"`
	ClassifiedAt time.Time `json:"classified_at"`
}

// 申请记录中的一条历史
type EventRef struct {
	MessageID string    `json:"message_id"`
	Date      time.Time `json:"date"`
	Type      EventType `json:"event_type"`
	Subject   string    `json:"subject"`
}

// 某个公司的申请记录
type ApplicationRecord struct {
	Key                  string     `json:"key"`
	Company              string     `json:"company"`
	Position             string     `json:"position"`
	FirstApplicationDate *time.Time `json:"first_application_date"`
	FirstSeen            time.Time  `json:"first_seen"`
	LastSeen             time.Time  `json:"last_seen"`
	CurrentStatus        Status     `json:"current_status"`
	EvidenceSubject      string     `json:"evidence_subject"`
	Events               []EventRef `json:"events"`
	TimeToOfferDays      *int       `json:"time_to_offer_days"`
	NoResponse           bool       `json:"no_response"`
}

// 历史中是否包含指定类型的事件
func (r ApplicationRecord) HasEvent(t EventType) bool {
	for _, e := range r.Events {
		if e.Type == t {
			return true
		}
	}
	return false
}

// 扫描统计信息
type Summary struct {
	MessagesFetched            int  `json:"messages_fetched"`
	Candidates                 int  `json:"candidates"`
	Classified                 int  `json:"classified"`
	JobRelated                 int  `json:"job_related"`
	Degraded                   int  `json:"degraded"`
	Applications               int  `json:"applications"`
	Interviews                 int  `json:"interviews"`
	Offers                     int  `json:"offers"`
	RejectionsTotal            int  `json:"rejections_total"`
	RejectionsWithInterview    int  `json:"rejections_with_interview"`
	RejectionsWithoutInterview int  `json:"rejections_without_interview"`
	NoResponse                 int  `json:"no_response"`
	TimeSpentDays              *int `json:"time_spent_days"`
}

// 申请记录的表格行
type ApplicationRow struct {
	Company              string `json:"company"`
	Position             string `json:"position"`
	Status               Status `json:"status"`
	FirstApplicationDate string `json:"first_application_date"`
	LastUpdate           string `json:"last_update"`
	TimeToOfferDays      *int   `json:"time_to_offer_days"`
	EvidenceSubject      string `json:"evidence_subject"`
	Events               int    `json:"events"`
}

// 分类结果的表格行
type MessageRow struct {
	Date       string    `json:"date"`
	MessageID  string    `json:"message_id"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	EventType  EventType `json:"event_type"`
	Company    string    `json:"company"`
	Position   string    `json:"position"`
	Confidence float64   `json:"confidence"`
	Method     string    `json:"method"`
}

// 漏斗图中的一条带权流向
type FunnelEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Value  int    `json:"value"`
}

// 一次扫描生成的文件
type Artifacts struct {
	Dir              string `json:"dir"`
	SummaryJSON      string `json:"summary_json"`
	ApplicationsCSV  string `json:"applications_csv"`
	MessagesCSV      string `json:"messages_csv"`
	FunnelImage      string `json:"funnel_image"`
	FunnelImageBytes []byte `json:"-"`
}

// 一次扫描 (identity, start, end) 的结果
type ScanResult struct {
	Identity        string           `json:"identity"`
	StartDate       string           `json:"start_date"`
	EndDate         string           `json:"end_date"`
	Summary         Summary          `json:"summary"`
	ApplicationRows []ApplicationRow `json:"application_rows"`
	MessageRows     []MessageRow     `json:"message_rows"`
	FunnelEdges     []FunnelEdge     `json:"funnel_edges"`
	Artifacts       Artifacts        `json:"artifacts"`
	Warnings        []string         `json:"warnings,omitempty"`
	GeneratedAt     time.Time        `json:"generated_at"`
	Cached          bool             `json:"cached"`
}
