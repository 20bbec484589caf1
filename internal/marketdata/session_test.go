package marketdata

import (
	"reflect"
	"testing"
	"time"
)

func TestRegularHours(t *testing.T) {
	tests := []struct {
		name      string
		date      string
		wantOpen  time.Time
		wantClose time.Time
	}{
		{
			name:      "daylight saving time",
			date:      "2025-07-14",
			wantOpen:  time.Date(2025, 7, 14, 13, 30, 0, 0, time.UTC),
			wantClose: time.Date(2025, 7, 14, 20, 0, 0, 0, time.UTC),
		},
		{
			name:      "standard time",
			date:      "2025-01-15",
			wantOpen:  time.Date(2025, 1, 15, 14, 30, 0, 0, time.UTC),
			wantClose: time.Date(2025, 1, 15, 21, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			open, end, err := RegularHours(tt.date)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !open.Equal(tt.wantOpen) {
				t.Errorf("open = %s, want %s", open, tt.wantOpen)
			}
			if !end.Equal(tt.wantClose) {
				t.Errorf("close = %s, want %s", end, tt.wantClose)
			}
		})
	}
}

func TestSessionRange_CustomHours(t *testing.T) {
	open, end, err := SessionRange("2025-07-14", 4.25, 20, time.UTC)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := time.Date(2025, 7, 14, 4, 15, 0, 0, time.UTC); !open.Equal(want) {
		t.Errorf("open = %s, want %s", open, want)
	}
	if want := time.Date(2025, 7, 14, 20, 0, 0, 0, time.UTC); !end.Equal(want) {
		t.Errorf("close = %s, want %s", end, want)
	}
}

func TestSessionRange_Invalid(t *testing.T) {
	tests := []struct {
		name       string
		date       string
		start, end float64
	}{
		{"bad date", "14/07/2025", 9.5, 16},
		{"reversed", "2025-07-14", 16, 9.5},
		{"past midnight", "2025-07-14", 9.5, 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := SessionRange(tt.date, tt.start, tt.end, time.UTC); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDatesInRange(t *testing.T) {
	dates, err := DatesInRange("2025-02-27", "2025-03-02")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"2025-02-27", "2025-02-28", "2025-03-01", "2025-03-02"}; !reflect.DeepEqual(dates, want) {
		t.Errorf("dates = %v, want %v", dates, want)
	}

	dates, err = DatesInRange("2025-03-02", "2025-03-01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dates) != 0 {
		t.Errorf("reversed range = %v, want empty", dates)
	}

	if _, err := DatesInRange("bad", "2025-03-01"); err == nil {
		t.Error("expected error for bad date")
	}
}
