package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func day(d int) time.Time {
	// 2024-06-01 is a Saturday.
	return time.Date(2024, 6, d, 20, 30, 0, 0, time.UTC)
}

func TestFilterWeekdayAndKeyword(t *testing.T) {
	t.Parallel()

	entries := []Entry{
		{ID: "1", Name: "Alpha raid", Start: day(1)},   // Saturday, match
		{ID: "2", Name: "Beta raid", Start: day(1)},    // Saturday, wrong name
		{ID: "3", Name: "ALPHA night", Start: day(2)},  // Sunday
		{ID: "4", Name: "second alpha", Start: day(8)}, // Saturday, match
		{ID: "5", Name: "Gamma", Start: day(3)},        // Monday
	}

	got := Filter(entries, []time.Weekday{time.Saturday}, []string{"alpha"}, time.UTC)
	if len(got) != 2 || got[0].ID != "1" || got[1].ID != "4" {
		t.Fatalf("Filter() = %+v, want ids [1 4]", got)
	}
}

func TestFilterEmptyCriteriaAndCase(t *testing.T) {
	t.Parallel()

	entries := []Entry{
		{ID: "1", Name: "Siège de la Grotte", Start: day(2)},
		{ID: "2", Name: "boss", Start: day(1)},
	}
	if got := Filter(entries, nil, nil, time.UTC); len(got) != 2 {
		t.Fatalf("Filter() with no criteria = %d entries", len(got))
	}
	got := Filter(entries, nil, []string{"GROTTE", " "}, time.UTC)
	if len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("Filter(keyword) = %+v", got)
	}
}

func TestFilterUsesLocalWeekday(t *testing.T) {
	t.Parallel()

	paris, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 23:30 UTC Saturday is 01:30 Sunday in Paris (summer time).
	e := Entry{ID: "1", Name: "boss", Start: time.Date(2024, 6, 1, 23, 30, 0, 0, time.UTC)}
	if got := Filter([]Entry{e}, []time.Weekday{time.Sunday}, nil, paris); len(got) != 1 {
		t.Fatalf("expected Sunday match in Paris time")
	}
}

func TestGroupByWeekday(t *testing.T) {
	t.Parallel()

	entries := []Entry{
		{ID: "sun1", Start: day(2)},
		{ID: "sat1", Start: day(1)},
		{ID: "sat2", Start: day(8)},
	}
	groups := GroupByWeekday(entries, []time.Weekday{time.Saturday, time.Sunday}, time.UTC)
	if len(groups) != 2 || len(groups[0]) != 2 || len(groups[1]) != 1 {
		t.Fatalf("GroupByWeekday() = %+v", groups)
	}
	if groups[0][0].ID != "sat1" || groups[1][0].ID != "sun1" {
		t.Fatalf("GroupByWeekday() order = %+v", groups)
	}
}

func TestFileSourceBuildsLinks(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.yaml")
	doc := `guild: "42"
events:
  - id: "7"
    name: "Boss samedi"
    start: 2024-06-01T20:30:00+02:00
  - id: "8"
    name: "Custom"
    start: 2024-06-02T14:30:00+02:00
    link: "https://example.org/8"
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := FileSource{Path: path}.Entries(context.Background())
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Entries() = %+v", got)
	}
	if got[0].Link != "https://discord.com/events/42/7" {
		t.Fatalf("link = %q", got[0].Link)
	}
	if got[1].Link != "https://example.org/8" {
		t.Fatalf("explicit link overwritten: %q", got[1].Link)
	}
	if got[0].Start.Weekday() != time.Saturday {
		t.Fatalf("start parsed as %v", got[0].Start)
	}
}

func TestFileSourceRejectsIncompleteEntries(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.json")
	if err := os.WriteFile(path, []byte(`{"events":[{"name":"x"}]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := (FileSource{Path: path}).Entries(context.Background()); err == nil {
		t.Fatalf("expected error for entry without id/start")
	}
}

func TestBuildLinkTemplate(t *testing.T) {
	t.Parallel()

	if got := BuildLink("", "1", "2"); got != "https://discord.com/events/1/2" {
		t.Fatalf("BuildLink default = %q", got)
	}
	if got := BuildLink("https://x/{id}?g={guild}", "1", "2"); got != "https://x/2?g=1" {
		t.Fatalf("BuildLink custom = %q", got)
	}
}
