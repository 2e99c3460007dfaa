package analyzer

import (
	"strings"

	"github.com/YKarmar/JobFunnel/internal/metrics"
	"github.com/YKarmar/JobFunnel/internal/types"
)

// 预过滤原因
const (
	ReasonATSSender         = "ats_sender"
	ReasonCalendarInterview = "calendar_interview"
	ReasonSubjectSignal     = "subject_signal"
	ReasonBodySignal        = "body_signal"
	ReasonCalendarRSVP      = "calendar_rsvp"
	ReasonCalendarNoise     = "calendar_noise"
	ReasonNewsletter        = "newsletter"
	ReasonJobBoard          = "job_board"
	ReasonNoSignal          = "no_signal"
)

var (
	atsDomains = []string{
		"greenhouse.io", "greenhouse-mail.io", "lever.co", "hire.lever.co", "myworkday.com", "myworkdayjobs.com",
		"workday.com", "ashbyhq.com", "icims.com", "smartrecruiters.com", "jobvite.com", "hackerrank.com",
		"codility.com", "codesignal.com", "hirevue.com", "recruitee.com", "teamtailor.com", "goodtime.io",
		"workablemail.com", "bamboohr.com", "successfactors.com", "taleo.net",
	}
	calendarDomains = []string{"calendly.com", "zoom.us", "teams.microsoft.com", "goodtime.io"}
	jobBoardDomains = []string{"linkedin.com", "indeed.com", "glassdoor.com", "bizreach.co.jp", "ziprecruiter.com"}

	strongSubjectSignals = []string{
		"thanks for applying", "thank you for applying", "application received", "your application",
		"interview", "availability", "schedule", "next steps", "offer", "not moving forward",
		"regret to inform", "assessment", "coding challenge", "application status", "update on your application",
	}
	newsletterSignals = []string{
		"newsletter", "digest", "weekly", "job alert", "jobs for you", "recommended jobs", "new jobs",
		"top picks", "webinar", "% off",
	}
)

// 单封邮件的预过滤结果
type Decision struct {
	Keep   bool
	Reason string
}

// 预过滤：判断邮件是否值得分类，被过滤的邮件不会再分类
func Prefilter(msg types.MailMessage) Decision {
	d := prefilter(msg)
	metrics.RecordPrefilter(d.Keep, d.Reason)
	return d
}

func prefilter(msg types.MailMessage) Decision {
	subject := strings.ToLower(msg.Subject)
	_, addr := parseSender(msg.From)
	domain := senderDomain(addr)
	strong := containsAny(subject, strongSubjectSignals)

	switch {
	case isRSVP(msg.Subject):
		return Decision{Keep: false, Reason: ReasonCalendarRSVP}
	case hasDomain(domain, atsDomains...):
		return Decision{Keep: true, Reason: ReasonATSSender}
	case hasDomain(domain, calendarDomains...):
		if hasInterviewSignal(subject + "\n" + strings.ToLower(msg.Excerpt)) {
			return Decision{Keep: true, Reason: ReasonCalendarInterview}
		}
		return Decision{Keep: false, Reason: ReasonCalendarNoise}
	case containsAny(subject, newsletterSignals) && !strong:
		return Decision{Keep: false, Reason: ReasonNewsletter}
	case hasDomain(domain, jobBoardDomains...) && !strong:
		return Decision{Keep: false, Reason: ReasonJobBoard}
	case strong:
		return Decision{Keep: true, Reason: ReasonSubjectSignal}
	case containsAny(strings.ToLower(msg.Excerpt), strongSubjectSignals):
		return Decision{Keep: true, Reason: ReasonBodySignal}
	default:
		return Decision{Keep: false, Reason: ReasonNoSignal}
	}
}
