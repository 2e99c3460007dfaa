package main

import (
	"testing"
	"time"

	"github.com/YKarmar/JobFunnel/internal/apperr"
)

func TestScanWindow(t *testing.T) {
	now := time.Date(2026, 3, 31, 9, 0, 0, 0, time.UTC)

	start, end, err := scanWindow("", "", now)
	if err != nil {
		t.Fatal(err)
	}
	if !start.Equal(now.AddDate(0, 0, -30)) || !end.Equal(now) {
		t.Errorf("defaults = %v..%v", start, end)
	}

	start, end, err = scanWindow("2026-01-01", "2026-01-31", now)
	if err != nil {
		t.Fatal(err)
	}
	if !start.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) || !end.Equal(time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("window = %v..%v", start, end)
	}

	for _, tc := range [][2]string{
		{"2026-1-1", ""},
		{"", "yesterday"},
		{"2026-02-30", "2026-03-01"},
	} {
		if _, _, err := scanWindow(tc[0], tc[1], now); !apperr.Is(err, apperr.KindInvalidRequest) {
			t.Errorf("scanWindow(%q, %q) err = %v, want InvalidRequest", tc[0], tc[1], err)
		}
	}
}
