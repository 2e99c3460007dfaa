package aggregator

import (
	"reflect"
	"testing"
	"time"

	"github.com/YKarmar/JobFunnel/internal/types"
)

func day(d int) time.Time {
	return time.Date(2026, 1, d, 9, 0, 0, 0, time.UTC)
}

func ev(id string, d int, t types.EventType, company string) types.ClassifiedEvent {
	return types.ClassifiedEvent{
		MessageID: id, ThreadID: "t-" + id, Date: day(d), Type: t,
		Company: company, Subject: string(t) + " " + id,
	}
}

func TestFoldAcmeReachesOffer(t *testing.T) {
	events := []types.ClassifiedEvent{
		ev("m3", 28, types.EventOffer, "Acme"),
		ev("m1", 1, types.EventApplication, "Acme Inc."),
		ev("m2", 10, types.EventInterview, "acme"),
		ev("m0", 2, types.EventOther, "Acme"),
	}
	events[1].Position = "Backend Engineer"

	recs := New(nil).Fold(events)
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	r := recs[0]
	if r.Key != "acme" || r.CurrentStatus != types.StatusOffer {
		t.Errorf("key=%q status=%q", r.Key, r.CurrentStatus)
	}
	if r.TimeToOfferDays == nil || *r.TimeToOfferDays != 27 {
		t.Errorf("TimeToOfferDays = %v, want 27", r.TimeToOfferDays)
	}
	if r.FirstApplicationDate == nil || !r.FirstApplicationDate.Equal(day(1)) {
		t.Errorf("FirstApplicationDate = %v", r.FirstApplicationDate)
	}
	if r.Position != "Backend Engineer" || r.EvidenceSubject != "offer m3" || r.NoResponse {
		t.Errorf("record = %+v", r)
	}
	if len(r.Events) != 3 {
		t.Errorf("events = %d, want 3 (other skipped)", len(r.Events))
	}
	if events[0].MessageID != "m3" {
		t.Error("Fold reordered its input")
	}
}

func TestFoldIsIdempotent(t *testing.T) {
	events := []types.ClassifiedEvent{
		ev("a", 3, types.EventApplication, "Globex"),
		ev("b", 3, types.EventRejection, "Globex"),
		ev("c", 1, types.EventApplication, "Initech"),
		ev("d", 5, types.EventApplication, ""),
	}
	reversed := make([]types.ClassifiedEvent, len(events))
	for i := range events {
		reversed[len(events)-1-i] = events[i]
	}

	agg := New(nil)
	first := agg.Fold(events)
	if again := agg.Fold(events); !reflect.DeepEqual(first, again) {
		t.Fatalf("second fold differs:\n%+v\n%+v", first, again)
	}
	if shuffled := agg.Fold(reversed); !reflect.DeepEqual(first, shuffled) {
		t.Fatalf("fold depends on input order:\n%+v\n%+v", first, shuffled)
	}
}

func TestStatusIsMaxPriority(t *testing.T) {
	tests := []struct {
		name   string
		seq    []types.EventType
		status types.Status
	}{
		{"applied only", []types.EventType{types.EventApplication}, types.StatusApplied},
		{"interview after applied", []types.EventType{types.EventApplication, types.EventInterview}, types.StatusInterviewing},
		{"rejection beats interview", []types.EventType{types.EventInterview, types.EventRejection, types.EventInterview}, types.StatusRejected},
		{"offer beats late rejection", []types.EventType{types.EventOffer, types.EventRejection}, types.StatusOffer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var events []types.ClassifiedEvent
			for i, et := range tt.seq {
				events = append(events, ev(string(rune('a'+i)), i+1, et, "Hooli"))
			}
			recs := New(nil).Fold(events)
			if len(recs) != 1 || recs[0].CurrentStatus != tt.status {
				t.Fatalf("records = %+v, want status %q", recs, tt.status)
			}
		})
	}
}

func TestEvidenceIsLatestTopPriorityEvent(t *testing.T) {
	events := []types.ClassifiedEvent{
		ev("a", 1, types.EventInterview, "Hooli"),
		ev("b", 4, types.EventInterview, "Hooli"),
		ev("c", 6, types.EventApplication, "Hooli"),
	}
	r := New(nil).Fold(events)[0]
	if r.EvidenceSubject != "interview b" {
		t.Errorf("EvidenceSubject = %q", r.EvidenceSubject)
	}
}

func TestTimeToOfferWithoutOfferIsNil(t *testing.T) {
	r := New(nil).Fold([]types.ClassifiedEvent{ev("a", 1, types.EventApplication, "Acme")})[0]
	if r.TimeToOfferDays != nil {
		t.Errorf("TimeToOfferDays = %d, want nil", *r.TimeToOfferDays)
	}
	if !r.NoResponse {
		t.Error("application-only record should be no_response")
	}
}

func TestTimeToOfferFallsBackToFirstEvent(t *testing.T) {
	r := New(nil).Fold([]types.ClassifiedEvent{
		ev("a", 3, types.EventInterview, "Acme"),
		ev("b", 9, types.EventOffer, "Acme"),
	})[0]
	if r.TimeToOfferDays == nil || *r.TimeToOfferDays != 6 {
		t.Errorf("TimeToOfferDays = %v, want 6", r.TimeToOfferDays)
	}
}

func TestAliasesAndSuffixesMerge(t *testing.T) {
	agg := New(map[string]string{"Alphabet": "Google"})
	recs := agg.Fold([]types.ClassifiedEvent{
		ev("a", 1, types.EventApplication, "Google LLC"),
		ev("b", 2, types.EventInterview, "alphabet"),
		ev("c", 3, types.EventInterview, "google.com"),
		ev("d", 4, types.EventRejection, "Google"),
	})
	if len(recs) != 1 {
		t.Fatalf("got %d records: %+v", len(recs), recs)
	}
	if recs[0].Key != "google" {
		t.Errorf("Key = %q", recs[0].Key)
	}
}

func TestDisplayNameMostFrequent(t *testing.T) {
	r := New(nil).Fold([]types.ClassifiedEvent{
		ev("a", 1, types.EventApplication, "ACME"),
		ev("b", 2, types.EventInterview, "Acme"),
		ev("c", 3, types.EventInterview, "Acme"),
	})[0]
	if r.Company != "Acme" {
		t.Errorf("Company = %q", r.Company)
	}
}

func TestMissingCompanyKeyedByThread(t *testing.T) {
	recs := New(nil).Fold([]types.ClassifiedEvent{ev("x", 1, types.EventApplication, "")})
	if recs[0].Key != "thread:t-x" {
		t.Errorf("Key = %q", recs[0].Key)
	}
}

func TestMetrics(t *testing.T) {
	events := []types.ClassifiedEvent{
		ev("1", 1, types.EventApplication, "A"),
		ev("2", 2, types.EventApplication, "B"),
		ev("3", 5, types.EventRejection, "B"),
		ev("4", 3, types.EventApplication, "C"),
		ev("5", 6, types.EventInterview, "C"),
		ev("6", 9, types.EventRejection, "C"),
		ev("7", 4, types.EventInterview, "D"),
		ev("8", 11, types.EventOffer, "D"),
		ev("9", 20, types.EventOther, ""),
	}
	recs := New(nil).Fold(events)
	s := Metrics(recs, events)

	want := types.Summary{
		Applications: 4, Interviews: 2, Offers: 1, RejectionsTotal: 2,
		RejectionsWithInterview: 1, RejectionsWithoutInterview: 1, NoResponse: 1,
	}
	got := s
	got.TimeSpentDays = nil
	if got != want {
		t.Errorf("Metrics = %+v, want %+v", got, want)
	}
	if s.TimeSpentDays == nil || *s.TimeSpentDays != 10 {
		t.Errorf("TimeSpentDays = %v, want 10", s.TimeSpentDays)
	}
}

func TestMetricsEmpty(t *testing.T) {
	s := Metrics(nil, nil)
	if s != (types.Summary{}) {
		t.Errorf("Metrics(nil) = %+v", s)
	}
}

func TestDaysBetweenUsesUTCCalendarDays(t *testing.T) {
	a := time.Date(2026, 1, 1, 23, 30, 0, 0, time.UTC)
	b := time.Date(2026, 1, 2, 0, 15, 0, 0, time.UTC)
	if got := DaysBetween(a, b); got != 1 {
		t.Errorf("DaysBetween = %d, want 1", got)
	}
}
