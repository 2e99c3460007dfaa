package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/YKarmar/JobFunnel/internal/circuitbreaker"
	"github.com/YKarmar/JobFunnel/internal/types"
)

var fixedNow = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }

func msg(from, subject, excerpt string) types.MailMessage {
	return types.MailMessage{
		ID: "m1", ThreadID: "t1", From: from, Subject: subject, Excerpt: excerpt,
		ReceivedAt: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC),
	}
}

func TestRulesVerdicts(t *testing.T) {
	tests := []struct {
		name     string
		m        types.MailMessage
		wantType types.EventType
		company  string
		position string
	}{
		{
			"application", msg("Acme Careers <jobs@acme.com>", "Thank you for applying to Acme!", "We received your application for the role of Backend Engineer."),
			types.EventApplication, "Acme", "Backend Engineer",
		},
		{
			"rejection via ats", msg("Globex Hiring Team <no-reply@greenhouse.io>", "Update on your application", "Unfortunately we have decided to move forward with other candidates."),
			types.EventRejection, "Globex", "",
		},
		{
			"interview", msg("Initech Recruiting <talent@initech.com>", "Interview invitation - Data Analyst", "Please share your availability for next week."),
			types.EventInterview, "Initech", "",
		},
		{
			"offer", msg("HR <hr@umbrella.co.uk>", "Your offer letter", "We are pleased to offer you the position of Staff Engineer."),
			types.EventOffer, "Umbrella", "Staff Engineer",
		},
		{
			"invoice is not an interview", msg("billing@zoom.us", "Your receipt", "Invoice for your interview room subscription, schedule attached"),
			types.EventOther, "", "",
		},
		{
			"empty", msg("", "", ""), types.EventOther, "", "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Rules{}.Verdict(tt.m)
			if v.Type != tt.wantType {
				t.Fatalf("Type = %q, want %q", v.Type, tt.wantType)
			}
			if v.Company != tt.company {
				t.Errorf("Company = %q, want %q", v.Company, tt.company)
			}
			if v.Position != tt.position {
				t.Errorf("Position = %q, want %q", v.Position, tt.position)
			}
		})
	}
}

func TestRulesAreDeterministic(t *testing.T) {
	m := msg("Acme <jobs@acme.com>", "Next steps: schedule your interview", "Pick a time slot on the calendar.")
	first := Rules{}.Verdict(m)
	for i := 0; i < 50; i++ {
		if got := (Rules{}).Verdict(m); got != first {
			t.Fatalf("run %d: %+v != %+v", i, got, first)
		}
	}
}

func TestCompanyFromSender(t *testing.T) {
	tests := []struct{ from, want string }{
		{"Acme Careers <jobs@acme.com>", "Acme"},
		{"no-reply@mail.globex.co.uk", "Globex"},
		{"Jane Doe <jane.doe@gmail.com>", ""},
		{"Greenhouse <no-reply@greenhouse.io>", ""},
		{"Initech via Lever <no-reply@hire.lever.co>", "Initech"},
		{`"Talent Acquisition" <ta@hooli.com>`, "Hooli"},
	}
	for _, tt := range tests {
		if got := CompanyFromSender(tt.from); got != tt.want {
			t.Errorf("CompanyFromSender(%q) = %q, want %q", tt.from, got, tt.want)
		}
	}
}

func TestPrefilter(t *testing.T) {
	tests := []struct {
		name   string
		m      types.MailMessage
		keep   bool
		reason string
	}{
		{"ats", msg("x@greenhouse-mail.io", "Hello", ""), true, ReasonATSSender},
		{"rsvp", msg("bob@acme.com", "Accepted: Interview with Bob", ""), false, ReasonCalendarRSVP},
		{"calendar interview", msg("notify@calendly.com", "New event: Interview with Acme", "Please confirm the time slot"), true, ReasonCalendarInterview},
		{"calendar noise", msg("notify@calendly.com", "New event: Coffee", ""), false, ReasonCalendarNoise},
		{"newsletter", msg("news@techweekly.com", "This week's digest", ""), false, ReasonNewsletter},
		{"job board alert", msg("jobs-noreply@linkedin.com", "Jobs similar to yours", ""), false, ReasonJobBoard},
		{"job board strong", msg("jobs-noreply@linkedin.com", "Your application was sent to Acme", ""), true, ReasonSubjectSignal},
		{"subject signal", msg("hr@acme.com", "Next steps", ""), true, ReasonSubjectSignal},
		{"body signal", msg("hr@acme.com", "Hello", "thank you for applying"), true, ReasonBodySignal},
		{"nothing", msg("friend@acme.com", "Lunch?", "tacos"), false, ReasonNoSignal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Prefilter(tt.m)
			if d.Keep != tt.keep || d.Reason != tt.reason {
				t.Errorf("Prefilter = %+v, want keep=%v reason=%q", d, tt.keep, tt.reason)
			}
		})
	}
}

type stubPrimary struct {
	v     Verdict
	err   error
	calls atomic.Int32
}

func (s *stubPrimary) Verdict(context.Context, types.MailMessage) (Verdict, error) {
	s.calls.Add(1)
	return s.v, s.err
}

func TestTieredUsesPrimaryWhenConfident(t *testing.T) {
	p := &stubPrimary{v: Verdict{JobRelated: true, Type: types.EventApplication, Company: " Acme ", Position: "SRE", Confidence: 0.92}}
	c := NewTiered(p, TieredOptions{Now: fixedNow})
	ev := c.Classify(context.Background(), msg("a@acme.com", "Thanks", "body"))
	if ev.Method != MethodLLM || ev.Degraded {
		t.Fatalf("Method = %q Degraded = %v", ev.Method, ev.Degraded)
	}
	if ev.Type != types.EventApplication || ev.Company != "Acme" || ev.Position != "SRE" {
		t.Errorf("event = %+v", ev)
	}
	if !ev.ClassifiedAt.Equal(fixedNow()) {
		t.Errorf("ClassifiedAt = %v", ev.ClassifiedAt)
	}
}

func TestTieredFallsBackOnErrorAndLowConfidence(t *testing.T) {
	m := msg("Acme <jobs@acme.com>", "Thank you for applying to Acme", "")
	for name, p := range map[string]*stubPrimary{
		"error":          {err: errors.New("503")},
		"low confidence": {v: Verdict{JobRelated: true, Type: types.EventOffer, Confidence: 0.2}},
	} {
		t.Run(name, func(t *testing.T) {
			ev := NewTiered(p, TieredOptions{Now: fixedNow}).Classify(context.Background(), m)
			if ev.Method != MethodRules || !ev.Degraded {
				t.Fatalf("Method = %q Degraded = %v", ev.Method, ev.Degraded)
			}
			if ev.Type != types.EventApplication || ev.Company != "Acme" {
				t.Errorf("event = %+v", ev)
			}
		})
	}
}

func TestTieredLowInformationIsOther(t *testing.T) {
	ev := NewTiered(nil, TieredOptions{Now: fixedNow}).Classify(context.Background(), msg("", "", ""))
	if ev.Type != types.EventOther || ev.Confidence != 0 {
		t.Errorf("event = %+v, want other/0", ev)
	}
	if ev.Degraded {
		t.Error("rules-only classifier reported degraded")
	}
}

func TestTieredRejectsRSVPAndUnsupportedInterview(t *testing.T) {
	p := &stubPrimary{v: Verdict{JobRelated: true, Type: types.EventInterview, Company: "Acme", Confidence: 0.9}}
	c := NewTiered(p, TieredOptions{Now: fixedNow})

	if ev := c.Classify(context.Background(), msg("bob@acme.com", "Accepted: Interview", "")); ev.Type != types.EventOther {
		t.Errorf("RSVP type = %q, want other", ev.Type)
	}
	if ev := c.Classify(context.Background(), msg("bob@acme.com", "Quick question", "how are you")); ev.Type != types.EventOther {
		t.Errorf("unsupported interview type = %q, want other", ev.Type)
	}
}

func TestTieredBreakerSkipsPrimary(t *testing.T) {
	p := &stubPrimary{err: errors.New("down")}
	cb := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour, HalfOpenMaxRequests: 1})
	c := NewTiered(p, TieredOptions{Breaker: cb, Now: fixedNow})
	for i := 0; i < 5; i++ {
		c.Classify(context.Background(), msg("a@acme.com", "Thanks for applying", ""))
	}
	if got := p.calls.Load(); got != 2 {
		t.Errorf("primary calls = %d, want 2", got)
	}
}

func TestTieredCancelledPacingLeavesBreakerClosed(t *testing.T) {
	p := &stubPrimary{v: Verdict{JobRelated: true, Type: types.EventApplication, Company: "Acme", Confidence: 0.9}}
	cb := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour, HalfOpenMaxRequests: 1})
	c := NewTiered(p, TieredOptions{Breaker: cb, Limiter: rate.NewLimiter(rate.Every(time.Hour), 1), Now: fixedNow})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := msg("Acme <jobs@acme.com>", "Thank you for applying to Acme", "")
	for i := 0; i < 3; i++ {
		ev := c.Classify(ctx, m)
		if ev.Method != MethodRules || !ev.Degraded {
			t.Fatalf("Method = %q Degraded = %v", ev.Method, ev.Degraded)
		}
	}
	if cb.State() != circuitbreaker.StateClosed {
		t.Fatalf("breaker = %v after cancelled waits, want closed", cb.State())
	}
	if got := p.calls.Load(); got != 0 {
		t.Errorf("primary calls = %d, want 0", got)
	}

	if ev := c.Classify(context.Background(), m); ev.Method != MethodLLM {
		t.Errorf("Method = %q after cancellation, want llm", ev.Method)
	}
}

func TestLLMClassifierParsesVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing auth header")
		}
		var req LLMRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Errorf("response_format = %+v", req.ResponseFormat)
		}
		content := "```json\n{\"is_job_related\":true,\"company\":\"Acme\",\"position\":\"SRE\",\"event_type\":\"Rejected\",\"confidence\":1.7}\n```"
		fmt.Fprintf(w, `{"choices":[{"message":{"content":%q}}]}`, content)
	}))
	defer srv.Close()

	c := NewLLMClassifier(LLMConfig{APIBase: srv.URL, APIKey: "sk-test", Model: "m"}, nil)
	v, err := c.Verdict(context.Background(), msg("a@acme.com", "s", "b"))
	if err != nil {
		t.Fatal(err)
	}
	if v.Type != types.EventRejection || v.Company != "Acme" || v.Confidence != 1 {
		t.Errorf("verdict = %+v", v)
	}
}

func TestLLMClassifierErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewLLMClassifier(LLMConfig{APIBase: srv.URL, APIKey: "k"}, nil)
	if _, err := c.Verdict(context.Background(), msg("", "s", "")); err == nil {
		t.Fatal("want error on 429")
	}
}

func TestExtractJSON(t *testing.T) {
	if got := extractJSON("noise {\"a\":1} tail"); got != `{"a":1}` {
		t.Errorf("extractJSON = %q", got)
	}
	if got := extractJSON("no json"); got != "no json" {
		t.Errorf("extractJSON = %q", got)
	}
}
