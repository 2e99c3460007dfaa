// Package report projects folded records and classified events into the rows,
// counts and funnel edges returned to callers.
package report

import (
	"sort"
	"strings"

	"github.com/YKarmar/JobFunnel/internal/aggregator"
	"github.com/YKarmar/JobFunnel/internal/types"
)

const dateLayout = "2006-01-02"

// Funnel node names.
const (
	NodeApplications           = "applications"
	NodeInterviews             = "interviews"
	NodeNoResponse             = "no_response"
	NodeRejectedDirect         = "rejected_direct"
	NodeOffers                 = "offers"
	NodeRejectedAfterInterview = "rejected_after_interview"
)

// Input is everything a scan produced before projection.
type Input struct {
	Events     []types.ClassifiedEvent
	Records    []types.ApplicationRecord
	Fetched    int
	Candidates int
}

type Report struct {
	Summary         types.Summary
	ApplicationRows []types.ApplicationRow
	MessageRows     []types.MessageRow
	FunnelEdges     []types.FunnelEdge
}

// Build is pure: equal inputs give equal reports.
func Build(in Input) Report {
	s := aggregator.Metrics(in.Records, in.Events)
	s.MessagesFetched = in.Fetched
	s.Candidates = in.Candidates
	s.Classified = len(in.Events)
	for _, ev := range in.Events {
		if ev.Type != types.EventOther {
			s.JobRelated++
		}
		if ev.Degraded {
			s.Degraded++
		}
	}

	return Report{
		Summary:         s,
		ApplicationRows: applicationRows(in.Records),
		MessageRows:     messageRows(in.Events),
		FunnelEdges:     FunnelEdges(s),
	}
}

func applicationRows(records []types.ApplicationRecord) []types.ApplicationRow {
	sorted := make([]types.ApplicationRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.LastSeen.Equal(b.LastSeen) {
			return a.LastSeen.After(b.LastSeen)
		}
		return a.Key < b.Key
	})

	rows := make([]types.ApplicationRow, 0, len(sorted))
	for _, r := range sorted {
		row := types.ApplicationRow{
			Company:         r.Company,
			Position:        r.Position,
			Status:          r.CurrentStatus,
			LastUpdate:      r.LastSeen.UTC().Format(dateLayout),
			TimeToOfferDays: r.TimeToOfferDays,
			EvidenceSubject: r.EvidenceSubject,
			Events:          len(r.Events),
		}
		if row.Company == "" {
			row.Company = "(unknown)"
		}
		if r.FirstApplicationDate != nil {
			row.FirstApplicationDate = r.FirstApplicationDate.UTC().Format(dateLayout)
		}
		rows = append(rows, row)
	}
	return rows
}

func messageRows(events []types.ClassifiedEvent) []types.MessageRow {
	sorted := make([]types.ClassifiedEvent, len(events))
	copy(sorted, events)
	aggregator.SortEvents(sorted)

	rows := make([]types.MessageRow, 0, len(sorted))
	for _, ev := range sorted {
		rows = append(rows, types.MessageRow{
			Date:       ev.Date.UTC().Format(dateLayout),
			MessageID:  ev.MessageID,
			From:       ev.From,
			Subject:    strings.TrimSpace(ev.Subject),
			EventType:  ev.Type,
			Company:    ev.Company,
			Position:   ev.Position,
			Confidence: ev.Confidence,
			Method:     ev.Method,
		})
	}
	return rows
}

// FunnelEdges derives the five funnel flows from the summary counts. Every
// edge is always present; values are clamped so no node emits more than it
// received.
func FunnelEdges(s types.Summary) []types.FunnelEdge {
	applications := max(s.Applications, 0)
	rejectedDirect := min(max(s.RejectionsWithoutInterview, 0), applications)
	noResponse := min(max(s.NoResponse, 0), max(applications-rejectedDirect, 0))
	interviews := min(max(s.Interviews, 0), max(applications-rejectedDirect-noResponse, 0))
	offers := min(max(s.Offers, 0), interviews)
	rejectedAfter := min(max(s.RejectionsWithInterview, 0), max(interviews-offers, 0))

	return []types.FunnelEdge{
		{Source: NodeApplications, Target: NodeInterviews, Value: interviews},
		{Source: NodeApplications, Target: NodeNoResponse, Value: noResponse},
		{Source: NodeApplications, Target: NodeRejectedDirect, Value: rejectedDirect},
		{Source: NodeInterviews, Target: NodeOffers, Value: offers},
		{Source: NodeInterviews, Target: NodeRejectedAfterInterview, Value: rejectedAfter},
	}
}
