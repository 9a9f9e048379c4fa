package season

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hausgrid/sprinklerd/internal/config"
	"github.com/hausgrid/sprinklerd/internal/events"
)

func storeFrom(t *testing.T, text string) *config.Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sprinkler.json")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}
	s := config.New(path, "", true, events.New(nil, false))
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	return s
}

func monthlyConfig(priority int, values [12]int) string {
	parts := make([]string, 12)
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return fmt.Sprintf(`{"seasons":[{"name":"summer","priority":%d,"monthly":[%s]}]}`,
		priority, strings.Join(parts, ","))
}

func TestMonthlyIndex(t *testing.T) {
	tbl := New(events.New(nil, false))
	tbl.Refresh(storeFrom(t, monthlyConfig(10, [12]int{10, 20, 30, 40, 50, 60, 70, 80, 90, 100, 110, 120})))

	july := time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC)
	if got := tbl.Index("summer", july); got != 70 {
		t.Errorf("Index(july) = %d, want 70", got)
	}
	if got := tbl.Priority("summer"); got != 10 {
		t.Errorf("Priority = %d, want 10", got)
	}
}

func TestWeeklyIndex(t *testing.T) {
	values := make([]string, 52)
	for i := range values {
		values[i] = fmt.Sprint(i)
	}
	cfg := fmt.Sprintf(`{"seasons":[{"name":"lawn","priority":3,"weekly":[%s]}]}`,
		strings.Join(values, ","))
	tbl := New(events.New(nil, false))
	tbl.Refresh(storeFrom(t, cfg))

	now := time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC)
	week := (now.YearDay() - 1 - int(now.Weekday()) + 4) / 7
	if got := tbl.Index("lawn", now); got != week {
		t.Errorf("Index = %d, want week %d", got, week)
	}
}

func TestUnknownSeasonFullWatering(t *testing.T) {
	tbl := New(events.New(nil, false))
	tbl.Refresh(storeFrom(t, `{"seasons":[]}`))
	if got := tbl.Index("nosuch", time.Now()); got != 100 {
		t.Errorf("Index(nosuch) = %d, want 100", got)
	}
	if got := tbl.Priority("nosuch"); got != 0 {
		t.Errorf("Priority(nosuch) = %d, want 0", got)
	}
}

func TestWrongVectorLengthRejected(t *testing.T) {
	tbl := New(events.New(nil, false))
	tbl.Refresh(storeFrom(t, `{"seasons":[{"name":"bad","priority":5,"monthly":[1,2,3]}]}`))
	if got := tbl.Index("bad", time.Now()); got != 100 {
		t.Errorf("invalid season not disabled: Index = %d", got)
	}
}
