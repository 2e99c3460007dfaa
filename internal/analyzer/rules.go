package analyzer

import (
	"regexp"
	"strings"

	"github.com/YKarmar/JobFunnel/internal/types"
)

var (
	offerPhrases = []string{
		"offer letter", "pleased to offer", "extend an offer", "extend you an offer", "offer of employment",
		"delighted to offer", "happy to offer", "your job offer", "formal offer",
	}
	rejectionCore = []string{
		"not moving forward", "not be moving forward", "regret to inform", "will not be proceeding",
		"decided not to proceed", "decided to pursue other candidates", "pursue other candidates",
		"position has been filled", "not been selected", "were not selected", "unable to offer you",
	}
	rejectionContext  = []string{"unfortunately", "after careful consideration", "we appreciate your interest"}
	rejectionDecision = []string{"decided", "other candidates", "not be", "not to", "another candidate", "won't be"}

	applicationPhrases = []string{
		"thank you for applying", "thanks for applying", "application received", "received your application",
		"application has been received", "thank you for your application", "thanks for your application",
		"your application for", "your application to", "application submitted", "we have received your application",
	}
	interviewAnchors = []string{
		"interview", "phone screen", "technical screen", "onsite", "on-site", "recruiter call",
		"online assessment", "coding challenge", "take-home", "hackerrank", "codility", "codesignal",
	}
	interviewScheduling = []string{
		"schedule", "availability", "available times", "invite", "invitation", "calendar", "book a time",
		"time slot", "next steps", "confirm", "would like to speak", "meet with",
	}
	interviewStrong = []string{
		"interview invitation", "invitation to interview", "schedule an interview", "schedule your interview",
		"interview confirmation", "interview scheduled", "complete the assessment", "complete your assessment",
	}

	interviewNegative = []string{"invoice", "receipt", "billing", "subscription", "payment"}
	rsvpPrefixes      = []string{"accepted:", "declined:", "tentative:", "tentatively accepted:"}
)

var (
	rolePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)for the (?:role|position) of ([^,.;!\n]{2,80})`),
		regexp.MustCompile(`(?i)(?:position|role) of ([^,.;!\n]{2,80})`),
		regexp.MustCompile(`(?i)for the ([^,.;!\n]{2,60}?) (?:role|position)\b`),
		regexp.MustCompile(`(?i)(?:application|applying|applied) for (?:the )?([^,.;!\n]{2,80})`),
		regexp.MustCompile(`(?i)\b(?:role|position|job title):\s*([^,.;!\n]{2,80})`),
	}
	companyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i:applying|application|applied|interest)\s+(?i:to|at|with)\s+([A-Z0-9][\w&.'\- ]{1,40}?)(?:\s*[!.,:;|(]|\s+-\s|\s+for\s|$)`),
		regexp.MustCompile(`(?:^|\s)at\s+([A-Z][\w&.'\-]*(?:\s+[A-Z][\w&.'\-]*){0,3})(?:\s*[!.,:;|(]|\s+-\s|$)`),
	}
	roleTrailer = regexp.MustCompile(`(?i)\s+(?:at|with|@)\s+.*$`)
)

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func isRSVP(subject string) bool {
	s := strings.ToLower(strings.TrimSpace(subject))
	for _, p := range rsvpPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// 需要明确的面试或约时间信号，仅顺带提到面试不算
func hasInterviewSignal(text string) bool {
	if containsAny(text, interviewNegative) {
		return false
	}
	if containsAny(text, interviewStrong) {
		return true
	}
	return containsAny(text, interviewAnchors) && containsAny(text, interviewScheduling)
}

func isRejection(text string) bool {
	if containsAny(text, rejectionCore) {
		return true
	}
	return containsAny(text, rejectionContext) && containsAny(text, rejectionDecision)
}

// 基于规则的兜底分类器，只看发件人、主题和摘要，结果确定
type Rules struct{}

func (Rules) Verdict(msg types.MailMessage) Verdict {
	subject := strings.ToLower(msg.Subject)
	text := subject + "\n" + strings.ToLower(msg.Excerpt)

	var v Verdict
	switch {
	case strings.TrimSpace(text) == "" || isRSVP(msg.Subject):
		return Verdict{Type: types.EventOther}
	case containsAny(text, offerPhrases):
		v = Verdict{JobRelated: true, Type: types.EventOffer, Confidence: 0.9}
	case isRejection(text):
		v = Verdict{JobRelated: true, Type: types.EventRejection, Confidence: 0.85}
	case hasInterviewSignal(text):
		v = Verdict{JobRelated: true, Type: types.EventInterview, Confidence: 0.75}
	case containsAny(text, applicationPhrases):
		v = Verdict{JobRelated: true, Type: types.EventApplication, Confidence: 0.8}
	default:
		return Verdict{Type: types.EventOther}
	}
	v.Company = companyFromText(msg.Subject)
	if v.Company == "" {
		v.Company = CompanyFromSender(msg.From)
	}
	if v.Company == "" {
		v.Company = companyFromText(msg.Excerpt)
	}
	v.Position = positionFromText(msg.Subject)
	if v.Position == "" {
		v.Position = positionFromText(msg.Excerpt)
	}
	return v
}

func companyFromText(s string) string {
	for _, re := range companyPatterns {
		if m := re.FindStringSubmatch(s); m != nil {
			c := CleanCompany(m[1])
			if c != "" && !genericSenderTokens[strings.ToLower(c)] {
				return c
			}
		}
	}
	return ""
}

func positionFromText(s string) string {
	for _, re := range rolePatterns {
		if m := re.FindStringSubmatch(s); m != nil {
			p := cleanText(roleTrailer.ReplaceAllString(m[1], ""))
			p = strings.Trim(p, " -:\"'")
			if len(p) >= 2 {
				return p
			}
		}
	}
	return ""
}
