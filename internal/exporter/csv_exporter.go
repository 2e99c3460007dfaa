package exporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/YKarmar/JobFunnel/internal/types"
)

// 扫描目录中的文件名
const (
	SummaryFile      = "summary.json"
	ApplicationsFile = "applications.csv"
	MessagesFile     = "messages.csv"
	FunnelFile       = "funnel.png"
)

type summaryDoc struct {
	Identity    string             `json:"identity"`
	StartDate   string             `json:"start_date"`
	EndDate     string             `json:"end_date"`
	GeneratedAt time.Time          `json:"generated_at"`
	Summary     types.Summary      `json:"summary"`
	FunnelEdges []types.FunnelEdge `json:"funnel_edges"`
	Warnings    []string           `json:"warnings,omitempty"`
}

// 导出统计信息、两张表和漏斗图到 dir，目录不存在时创建
func WriteArtifacts(dir string, res types.ScanResult) (types.Artifacts, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.Artifacts{}, fmt.Errorf("create artifact dir: %w", err)
	}
	a := types.Artifacts{
		Dir:             dir,
		SummaryJSON:     filepath.Join(dir, SummaryFile),
		ApplicationsCSV: filepath.Join(dir, ApplicationsFile),
		MessagesCSV:     filepath.Join(dir, MessagesFile),
		FunnelImage:     filepath.Join(dir, FunnelFile),
	}

	doc := summaryDoc{
		Identity:    res.Identity,
		StartDate:   res.StartDate,
		EndDate:     res.EndDate,
		GeneratedAt: res.GeneratedAt,
		Summary:     res.Summary,
		FunnelEdges: res.FunnelEdges,
		Warnings:    res.Warnings,
	}
	if err := writeJSON(a.SummaryJSON, doc); err != nil {
		return types.Artifacts{}, err
	}
	if err := ExportApplications(a.ApplicationsCSV, res.ApplicationRows); err != nil {
		return types.Artifacts{}, err
	}
	if err := ExportMessages(a.MessagesCSV, res.MessageRows); err != nil {
		return types.Artifacts{}, err
	}

	png, err := RenderFunnel(res.Summary, res.FunnelEdges)
	if err != nil {
		return types.Artifacts{}, err
	}
	if err := os.WriteFile(a.FunnelImage, png, 0o644); err != nil {
		return types.Artifacts{}, fmt.Errorf("write funnel image: %w", err)
	}
	a.FunnelImageBytes = png
	return a, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// 导出申请记录到CSV
func ExportApplications(path string, rows []types.ApplicationRow) error {
	headers := []string{
		"company",
		"position",
		"status",
		"first_application_date",
		"last_update",
		"time_to_offer_days",
		"evidence_subject",
		"events",
	}
	return writeCSV(path, headers, len(rows), func(i int) []string {
		r := rows[i]
		ttO := ""
		if r.TimeToOfferDays != nil {
			ttO = strconv.Itoa(*r.TimeToOfferDays)
		}
		return []string{
			r.Company,
			r.Position,
			string(r.Status),
			r.FirstApplicationDate,
			r.LastUpdate,
			ttO,
			r.EvidenceSubject,
			strconv.Itoa(r.Events),
		}
	})
}

// 导出邮件分类结果到CSV
func ExportMessages(path string, rows []types.MessageRow) error {
	headers := []string{
		"date",
		"message_id",
		"from",
		"subject",
		"event_type",
		"company",
		"position",
		"confidence",
		"method",
	}
	return writeCSV(path, headers, len(rows), func(i int) []string {
		r := rows[i]
		return []string{
			r.Date,
			r.MessageID,
			r.From,
			r.Subject,
			string(r.EventType),
			r.Company,
			r.Position,
			strconv.FormatFloat(r.Confidence, 'f', 2, 64),
			r.Method,
		}
	})
}

func writeCSV(path string, headers []string, n int, row func(int) []string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create CSV file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(headers); err != nil {
		return fmt.Errorf("write CSV headers: %w", err)
	}
	for i := 0; i < n; i++ {
		if err := writer.Write(row(i)); err != nil {
			return fmt.Errorf("write CSV record: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush CSV: %w", err)
	}
	return file.Close()
}
