package interval

import (
	"os"
	"path/filepath"
	"testing"

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

func TestGetByIndexBucket(t *testing.T) {
	tbl := New(events.New(nil, false))
	tbl.Refresh(storeFrom(t,
		`{"intervals":[{"name":"std","byindex":[7,6,5,4,3,3,2,2,1,1,1]}]}`))

	cases := []struct{ index, want int }{
		{0, 7}, {9, 7}, {10, 6}, {35, 4}, {100, 1}, {150, 1}, {-10, 7},
	}
	for _, c := range cases {
		if got := tbl.Get("std", c.index); got != c.want {
			t.Errorf("Get(std, %d) = %d, want %d", c.index, got, c.want)
		}
	}
}

func TestUnknownScaleEveryDay(t *testing.T) {
	tbl := New(events.New(nil, false))
	tbl.Refresh(storeFrom(t, `{"intervals":[]}`))
	if got := tbl.Get("nosuch", 50); got != 0 {
		t.Errorf("Get(nosuch) = %d, want 0", got)
	}
	if tbl.Exists("nosuch") {
		t.Error("Exists(nosuch) = true")
	}
}

func TestOversizedScaleTruncated(t *testing.T) {
	tbl := New(events.New(nil, false))
	tbl.Refresh(storeFrom(t,
		`{"intervals":[{"name":"big","byindex":[1,2,3,4,5,6,7,8,9,10,11,12,13]}]}`))
	if !tbl.Exists("big") {
		t.Fatal("truncated scale rejected entirely")
	}
	if got := tbl.Get("big", 100); got != 11 {
		t.Errorf("Get(big, 100) = %d, want 11", got)
	}
}
