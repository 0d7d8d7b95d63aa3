package timeparse

import (
	"testing"
	"time"
)

// Thursday 2024-06-06 15:00 UTC.
var ref = time.Date(2024, 6, 6, 15, 0, 0, 0, time.UTC)

func mustLoc(t *testing.T, tz string) *time.Location {
	t.Helper()
	loc, err := Location(tz)
	if err != nil {
		t.Fatalf("Location(%q): %v", tz, err)
	}
	return loc
}

func TestResolve_NextTuesdayInUTCMinus5(t *testing.T) {
	got, ok := Resolve("next Tuesday at 2pm", ref, mustLoc(t, "UTC-5"))
	if !ok {
		t.Fatal("phrase not resolved")
	}
	want := time.Date(2024, 6, 11, 19, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got.Location() != time.UTC {
		t.Errorf("result location = %v, want UTC", got.Location())
	}
}

func TestResolve_Table(t *testing.T) {
	utc := time.UTC
	tests := []struct {
		phrase string
		loc    *time.Location
		want   time.Time
	}{
		{"today", utc, time.Date(2024, 6, 6, 9, 0, 0, 0, utc)},
		{"tomorrow", utc, time.Date(2024, 6, 7, 9, 0, 0, 0, utc)},
		{"tomorrow at 9:30am", utc, time.Date(2024, 6, 7, 9, 30, 0, 0, utc)},
		{"day after tomorrow at noon", utc, time.Date(2024, 6, 8, 12, 0, 0, 0, utc)},
		{"tonight", utc, time.Date(2024, 6, 6, 20, 0, 0, 0, utc)},
		{"on Friday at 9:30 a.m.", utc, time.Date(2024, 6, 7, 9, 30, 0, 0, utc)},
		{"this Thursday at 17:45", utc, time.Date(2024, 6, 6, 17, 45, 0, 0, utc)},
		{"next Thursday", utc, time.Date(2024, 6, 13, 9, 0, 0, 0, utc)},
		{"Monday morning", utc, time.Date(2024, 6, 10, 9, 0, 0, 0, utc)},
		{"saturday afternoon", utc, time.Date(2024, 6, 8, 15, 0, 0, 0, utc)},
		{"tomorrow afternoon", utc, time.Date(2024, 6, 7, 15, 0, 0, 0, utc)},
		{"on sat", utc, time.Date(2024, 6, 8, 9, 0, 0, 0, utc)},
		{"next wed at 10am", utc, time.Date(2024, 6, 12, 10, 0, 0, 0, utc)},
		// Abbreviation-like words without a qualifier are not days.
		{"sat down with her at 4pm", utc, time.Date(2024, 6, 6, 16, 0, 0, 0, utc)},
		{"wed in june, lunch at noon", utc, time.Date(2024, 6, 7, 12, 0, 0, 0, utc)},
		{"friday evening at 7", utc, time.Date(2024, 6, 7, 19, 0, 0, 0, utc)},
		{"in 3 days", utc, time.Date(2024, 6, 9, 9, 0, 0, 0, utc)},
		{"in 2 weeks", utc, time.Date(2024, 6, 20, 9, 0, 0, 0, utc)},
		{"next week", utc, time.Date(2024, 6, 13, 9, 0, 0, 0, utc)},
		{"in 2 hours", utc, time.Date(2024, 6, 6, 17, 0, 0, 0, utc)},
		{"at 4pm", utc, time.Date(2024, 6, 6, 16, 0, 0, 0, utc)},
		// Already past on the reference day, so the next day is meant.
		{"at 8am", utc, time.Date(2024, 6, 7, 8, 0, 0, 0, utc)},
		{"midnight", utc, time.Date(2024, 6, 7, 0, 0, 0, 0, utc)},
	}
	for _, tc := range tests {
		t.Run(tc.phrase, func(t *testing.T) {
			got, ok := Resolve(tc.phrase, ref, tc.loc)
			if !ok {
				t.Fatal("phrase not resolved")
			}
			if !got.Equal(tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestResolve_LocalDayBoundary(t *testing.T) {
	// 02:00 UTC Friday is still Thursday evening in Chicago-like UTC-5.
	late := time.Date(2024, 6, 7, 2, 0, 0, 0, time.UTC)
	got, ok := Resolve("tomorrow at 10am", late, mustLoc(t, "-05:00"))
	if !ok {
		t.Fatal("phrase not resolved")
	}
	want := time.Date(2024, 6, 7, 15, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestResolve_Unresolvable(t *testing.T) {
	for _, p := range []string{"", "sometime", "when we get a chance", "the monthly review"} {
		if got, ok := Resolve(p, ref, time.UTC); ok {
			t.Errorf("Resolve(%q) = %v, want not ok", p, got)
		}
	}
}

func TestLocation(t *testing.T) {
	tests := []struct {
		tz         string
		wantOffset int
	}{
		{"", 0},
		{"UTC", 0},
		{"UTC-5", -5 * 3600},
		{"utc+1", 3600},
		{"-05:00", -5 * 3600},
		{"+0530", 5*3600 + 30*60},
		{"GMT+10", 10 * 3600},
	}
	for _, tc := range tests {
		t.Run(tc.tz, func(t *testing.T) {
			loc := mustLoc(t, tc.tz)
			_, off := ref.In(loc).Zone()
			if off != tc.wantOffset {
				t.Errorf("offset = %d, want %d", off, tc.wantOffset)
			}
		})
	}
}

func TestLocation_Invalid(t *testing.T) {
	for _, tz := range []string{"Mars/Olympus_Mons", "UTC+99"} {
		if _, err := Location(tz); err == nil {
			t.Errorf("Location(%q) expected error", tz)
		}
	}
}
