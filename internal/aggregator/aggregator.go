// Package aggregator folds classified events into one application record per
// company and derives the scan-wide funnel counts.
package aggregator

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/YKarmar/JobFunnel/internal/types"
)

var legalSuffixes = map[string]bool{
	"inc": true, "incorporated": true, "llc": true, "ltd": true, "limited": true, "corp": true,
	"corporation": true, "gmbh": true, "bv": true, "co": true, "company": true, "group": true,
	"plc": true, "ag": true, "sa": true,
}

// Aggregator carries the company alias table used to merge name variants.
type Aggregator struct {
	aliases map[string]string
}

// New builds an aggregator. Alias keys and values are raw company names;
// both are normalized before use.
func New(aliases map[string]string) *Aggregator {
	a := &Aggregator{aliases: make(map[string]string, len(aliases))}
	for from, to := range aliases {
		if k, v := normalize(from), normalize(to); k != "" && v != "" {
			a.aliases[k] = v
		}
	}
	return a
}

// NormalizeCompany returns the identity key for a company name, or "" when
// the name carries no identity.
func (a *Aggregator) NormalizeCompany(name string) string {
	k := normalize(name)
	if v, ok := a.aliases[k]; ok {
		return v
	}
	return k
}

func normalize(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	for _, tld := range []string{".com", ".io", ".co", ".ai", ".net"} {
		s = strings.TrimSuffix(s, tld)
	}
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '&'
	})
	for len(fields) > 1 && legalSuffixes[fields[len(fields)-1]] {
		fields = fields[:len(fields)-1]
	}
	return strings.Join(fields, " ")
}

func (a *Aggregator) key(ev types.ClassifiedEvent) string {
	if k := a.NormalizeCompany(ev.Company); k != "" {
		return k
	}
	if ev.ThreadID != "" {
		return "thread:" + ev.ThreadID
	}
	return "msg:" + ev.MessageID
}

// SortEvents orders events by (date, message id) in place.
func SortEvents(events []types.ClassifiedEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Date.Equal(events[j].Date) {
			return events[i].Date.Before(events[j].Date)
		}
		return events[i].MessageID < events[j].MessageID
	})
}

type group struct {
	key     string
	events  []types.ClassifiedEvent
	names   map[string]int
	nameOrd []string
}

// Fold merges events into records, one per normalized company. The input
// is not modified; other events are skipped. Records are returned sorted by
// first appearance, then key.
func (a *Aggregator) Fold(events []types.ClassifiedEvent) []types.ApplicationRecord {
	sorted := make([]types.ClassifiedEvent, 0, len(events))
	for _, ev := range events {
		if ev.Type == types.EventOther {
			continue
		}
		sorted = append(sorted, ev)
	}
	SortEvents(sorted)

	groups := make(map[string]*group)
	var order []string
	for _, ev := range sorted {
		k := a.key(ev)
		g, ok := groups[k]
		if !ok {
			g = &group{key: k, names: make(map[string]int)}
			groups[k] = g
			order = append(order, k)
		}
		g.events = append(g.events, ev)
		if name := strings.TrimSpace(ev.Company); name != "" {
			if g.names[name] == 0 {
				g.nameOrd = append(g.nameOrd, name)
			}
			g.names[name]++
		}
	}

	records := make([]types.ApplicationRecord, 0, len(order))
	for _, k := range order {
		records = append(records, buildRecord(groups[k]))
	}
	return records
}

func buildRecord(g *group) types.ApplicationRecord {
	rec := types.ApplicationRecord{
		Key:       g.key,
		Company:   displayName(g),
		FirstSeen: g.events[0].Date,
		LastSeen:  g.events[len(g.events)-1].Date,
	}

	var firstOffer *time.Time
	best := 0
	for _, ev := range g.events {
		rec.Events = append(rec.Events, types.EventRef{
			MessageID: ev.MessageID, Date: ev.Date, Type: ev.Type, Subject: ev.Subject,
		})
		if p := strings.TrimSpace(ev.Position); p != "" {
			rec.Position = p
		}
		switch ev.Type {
		case types.EventApplication:
			if rec.FirstApplicationDate == nil {
				d := ev.Date
				rec.FirstApplicationDate = &d
			}
		case types.EventOffer:
			if firstOffer == nil {
				d := ev.Date
				firstOffer = &d
			}
		}
		st, _ := types.StatusFor(ev.Type)
		// >= so that the latest event of the top priority is the evidence.
		if st.Priority() >= best {
			best = st.Priority()
			rec.CurrentStatus = st
			rec.EvidenceSubject = ev.Subject
		}
	}

	rec.NoResponse = !rec.HasEvent(types.EventInterview) &&
		!rec.HasEvent(types.EventRejection) &&
		!rec.HasEvent(types.EventOffer)

	if firstOffer != nil {
		base := rec.FirstSeen
		if rec.FirstApplicationDate != nil {
			base = *rec.FirstApplicationDate
		}
		days := max(DaysBetween(base, *firstOffer), 0)
		rec.TimeToOfferDays = &days
	}
	return rec
}

// displayName is the most frequent raw spelling; ties go to the first seen.
func displayName(g *group) string {
	name, n := "", 0
	for _, cand := range g.nameOrd {
		if g.names[cand] > n {
			name, n = cand, g.names[cand]
		}
	}
	return name
}

// DaysBetween counts UTC calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	day := func(t time.Time) time.Time {
		u := t.UTC()
		return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	}
	return int(day(b).Sub(day(a)).Hours() / 24)
}

// Metrics computes the funnel counts over folded records and the time span
// covered by job-related events.
func Metrics(records []types.ApplicationRecord, events []types.ClassifiedEvent) types.Summary {
	var s types.Summary
	s.Applications = len(records)
	for _, r := range records {
		interviewed := r.HasEvent(types.EventInterview)
		if interviewed {
			s.Interviews++
		}
		if r.HasEvent(types.EventOffer) {
			s.Offers++
		}
		if r.HasEvent(types.EventRejection) {
			s.RejectionsTotal++
			if interviewed {
				s.RejectionsWithInterview++
			} else {
				s.RejectionsWithoutInterview++
			}
		}
		if r.NoResponse {
			s.NoResponse++
		}
	}

	var first, last time.Time
	for _, ev := range events {
		if ev.Type == types.EventOther {
			continue
		}
		if first.IsZero() || ev.Date.Before(first) {
			first = ev.Date
		}
		if last.IsZero() || ev.Date.After(last) {
			last = ev.Date
		}
	}
	if !first.IsZero() {
		d := DaysBetween(first, last)
		s.TimeSpentDays = &d
	}
	return s
}
