// Package catalog provides upcoming events and the filter used to pick links for notifications.
package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// DefaultLinkTemplate builds Discord scheduled-event links.
const DefaultLinkTemplate = "https://discord.com/events/{guild}/{id}"

type Entry struct {
	ID          string    `yaml:"id" json:"id"`
	Name        string    `yaml:"name" json:"name"`
	Start       time.Time `yaml:"start" json:"start"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Link        string    `yaml:"link,omitempty" json:"link,omitempty"`
}

// Catalog lists upcoming events in catalog order.
type Catalog interface {
	Entries(ctx context.Context) ([]Entry, error)
}

// Static is a fixed catalog.
type Static []Entry

func (s Static) Entries(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]Entry(nil), s...), nil
}

// FileSource reads a YAML or JSON document on every fetch:
//
//	guild: "123"
//	events:
//	  - id: "456"
//	    name: "Boss samedi"
//	    start: 2024-06-01T20:30:00+02:00
type FileSource struct {
	Path         string
	Guild        string
	LinkTemplate string
}

type fileDoc struct {
	Guild  string  `yaml:"guild"`
	Events []Entry `yaml:"events"`
}

func (f FileSource) Entries(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", filepath.Base(f.Path), err)
	}
	// YAML is a superset of JSON, so one decoder handles both.
	var doc fileDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", filepath.Base(f.Path), err)
	}
	guild := strings.TrimSpace(f.Guild)
	if guild == "" {
		guild = strings.TrimSpace(doc.Guild)
	}
	out := make([]Entry, 0, len(doc.Events))
	for i, e := range doc.Events {
		if strings.TrimSpace(e.ID) == "" || e.Start.IsZero() {
			return nil, fmt.Errorf("catalog: event %d: id and start are required", i)
		}
		if e.Link == "" {
			e.Link = BuildLink(f.LinkTemplate, guild, e.ID)
		}
		out = append(out, e)
	}
	return out, nil
}

// BuildLink expands {guild} and {id} in tmpl. An empty tmpl uses DefaultLinkTemplate.
func BuildLink(tmpl, guild, id string) string {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultLinkTemplate
	}
	return strings.NewReplacer("{guild}", guild, "{id}", id).Replace(tmpl)
}

// Filter keeps entries whose start weekday (in loc) is in weekdays and whose name contains
// any keyword, case-insensitively. Empty weekdays or keywords match everything.
// Catalog order is preserved.
func Filter(entries []Entry, weekdays []time.Weekday, keywords []string, loc *time.Location) []Entry {
	if loc == nil {
		loc = time.UTC
	}
	days := map[time.Weekday]bool{}
	for _, d := range weekdays {
		days[d] = true
	}
	kws := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			kws = append(kws, k)
		}
	}

	var out []Entry
	for _, e := range entries {
		if len(days) > 0 && !days[e.Start.In(loc).Weekday()] {
			continue
		}
		if len(kws) > 0 && !containsAny(strings.ToLower(e.Name), kws) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func containsAny(s string, kws []string) bool {
	for _, k := range kws {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// GroupByWeekday splits entries by start weekday (in loc), preserving order inside each group.
// Groups are returned in the order of days.
func GroupByWeekday(entries []Entry, days []time.Weekday, loc *time.Location) [][]Entry {
	if loc == nil {
		loc = time.UTC
	}
	out := make([][]Entry, len(days))
	for _, e := range entries {
		wd := e.Start.In(loc).Weekday()
		for i, d := range days {
			if d == wd {
				out[i] = append(out[i], e)
				break
			}
		}
	}
	return out
}

// SortByStart orders entries by start time, stable for equal starts.
func SortByStart(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Start.Before(entries[j].Start) })
}
