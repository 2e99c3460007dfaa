package exporter

import (
	"fmt"
	"io"

	"github.com/YKarmar/JobFunnel/internal/types"
)

// 打印扫描统计信息
func PrintSummary(w io.Writer, res types.ScanResult) {
	s := res.Summary
	fmt.Fprintf(w, "\n=== Job funnel %s .. %s ===\n", res.StartDate, res.EndDate)
	if res.Identity != "" {
		fmt.Fprintf(w, "mailbox: %s\n", res.Identity)
	}
	if res.Cached {
		fmt.Fprintln(w, "(cached result)")
	}
	fmt.Fprintf(w, "messages fetched: %d, candidates: %d, classified: %d, job related: %d\n",
		s.MessagesFetched, s.Candidates, s.Classified, s.JobRelated)
	if s.Degraded > 0 {
		fmt.Fprintf(w, "classified by fallback rules: %d\n", s.Degraded)
	}

	if s.Applications == 0 {
		fmt.Fprintln(w, "\nno job application emails found")
		return
	}

	fmt.Fprintln(w, "\nfunnel:")
	fmt.Fprintf(w, "  applications:                 %d\n", s.Applications)
	fmt.Fprintf(w, "  interviews:                   %d\n", s.Interviews)
	fmt.Fprintf(w, "  no response:                  %d\n", s.NoResponse)
	fmt.Fprintf(w, "  rejections (total):           %d\n", s.RejectionsTotal)
	fmt.Fprintf(w, "  rejections (with interview):  %d\n", s.RejectionsWithInterview)
	fmt.Fprintf(w, "  rejections (direct):          %d\n", s.RejectionsWithoutInterview)
	fmt.Fprintf(w, "  offers:                       %d\n", s.Offers)
	if s.TimeSpentDays != nil {
		fmt.Fprintf(w, "  time spent:                   %d days\n", *s.TimeSpentDays)
	}

	fmt.Fprintln(w, "\nlatest applications:")
	for i, row := range res.ApplicationRows {
		if i >= 10 {
			fmt.Fprintf(w, "  ... and %d more\n", len(res.ApplicationRows)-i)
			break
		}
		line := fmt.Sprintf("  %-28s %-13s %s", row.Company, row.Status, row.LastUpdate)
		if row.TimeToOfferDays != nil {
			line += fmt.Sprintf("  (offer after %d days)", *row.TimeToOfferDays)
		}
		fmt.Fprintln(w, line)
	}

	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	if res.Artifacts.Dir != "" {
		fmt.Fprintf(w, "\nartifacts written to %s\n", res.Artifacts.Dir)
	}
}
