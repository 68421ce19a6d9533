// Package actions turns declarative action specs into scheduler actions that drive slots.
package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"slotbot/internal/catalog"
	"slotbot/internal/schedule"
	"slotbot/internal/slots"
	"slotbot/internal/transport"
	logx "slotbot/pkg/logx"
)

type Kind string

const (
	KindPoll     Kind = "poll"
	KindNotify   Kind = "notify"
	KindClear    Kind = "clear"
	KindLinks    Kind = "links"
	KindSequence Kind = "sequence"
)

// Policy decides how filtered catalog links become list items.
type Policy string

const (
	PerEvent   Policy = "per_event"
	Grouped    Policy = "grouped"
	PerWeekday Policy = "per_weekday"
)

// LinksPlaceholder is replaced by the newline-joined links in a template.
const LinksPlaceholder = "{links}"

// Spec declares one named action.
type Spec struct {
	Name string
	Kind Kind

	// poll / notify
	Slot          string
	Text          string
	Question      string
	Answers       []string
	PollDuration  time.Duration
	Anonymous     bool
	CompanionSlot string
	CompanionText string

	// clear
	Slots []string

	// links
	Weekdays     []time.Weekday
	Keywords     []string
	Policy       Policy
	Template     string
	TemplateDays []time.Weekday
	AlsoClear    []string
	SkipIfEmpty  bool

	// sequence
	Steps []string
}

// Deps are the collaborators actions run against.
type Deps struct {
	Exec     *slots.Executor
	Catalog  catalog.Catalog
	Location *time.Location
	Log      logx.Logger
}

// Build validates specs and returns scheduler actions keyed by name.
func Build(specs []Spec, d Deps) (map[string]schedule.Action, error) {
	if d.Exec == nil {
		return nil, errors.New("actions: executor is required")
	}
	if d.Location == nil {
		d.Location = time.Local
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}

	byName := map[string]Spec{}
	for _, s := range specs {
		if strings.TrimSpace(s.Name) == "" {
			return nil, errors.New("actions: name is required")
		}
		if _, dup := byName[s.Name]; dup {
			return nil, fmt.Errorf("actions: duplicate action %q", s.Name)
		}
		byName[s.Name] = s
	}

	out := make(map[string]schedule.Action, len(specs))
	for _, s := range specs {
		if s.Kind == KindSequence {
			continue
		}
		a, err := build(s, d)
		if err != nil {
			return nil, fmt.Errorf("action %q: %w", s.Name, err)
		}
		out[s.Name] = a
	}
	for _, s := range specs {
		if s.Kind != KindSequence {
			continue
		}
		a, err := sequence(s, out)
		if err != nil {
			return nil, fmt.Errorf("action %q: %w", s.Name, err)
		}
		out[s.Name] = a
	}
	return out, nil
}

func build(s Spec, d Deps) (schedule.Action, error) {
	log := d.Log.With(logx.String("action", s.Name))
	switch s.Kind {
	case KindPoll:
		if err := needSlot(d.Exec, s.Slot, slots.Single); err != nil {
			return nil, err
		}
		if strings.TrimSpace(s.Question) == "" || len(s.Answers) < 2 {
			return nil, errors.New("poll needs a question and at least two answers")
		}
		if s.CompanionSlot != "" {
			if err := needSlot(d.Exec, s.CompanionSlot, slots.Single); err != nil {
				return nil, err
			}
		}
		return pollAction(s, d.Exec, log), nil
	case KindNotify:
		if err := needSlot(d.Exec, s.Slot, slots.Single); err != nil {
			return nil, err
		}
		if strings.TrimSpace(s.Text) == "" {
			return nil, errors.New("notify needs text")
		}
		return func(ctx context.Context) error {
			_, err := d.Exec.ReplaceSingle(ctx, s.Slot, transport.Content{Text: s.Text})
			return err
		}, nil
	case KindClear:
		if len(s.Slots) == 0 {
			return nil, errors.New("clear needs at least one slot")
		}
		for _, name := range s.Slots {
			if _, ok := d.Exec.Store().Def(name); !ok {
				return nil, fmt.Errorf("%w: %s", slots.ErrUnknownSlot, name)
			}
		}
		return func(ctx context.Context) error {
			var errs []error
			for _, name := range s.Slots {
				if err := d.Exec.Clear(ctx, name); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		}, nil
	case KindLinks:
		if err := needSlot(d.Exec, s.Slot, slots.List); err != nil {
			return nil, err
		}
		for _, name := range s.AlsoClear {
			if _, ok := d.Exec.Store().Def(name); !ok {
				return nil, fmt.Errorf("%w: %s", slots.ErrUnknownSlot, name)
			}
		}
		if d.Catalog == nil {
			return nil, errors.New("links needs an event catalog")
		}
		switch s.Policy {
		case "":
			s.Policy = PerEvent
		case PerEvent, Grouped, PerWeekday:
		default:
			return nil, fmt.Errorf("unknown link policy %q", s.Policy)
		}
		return linksAction(s, d, log), nil
	default:
		return nil, fmt.Errorf("unknown kind %q", s.Kind)
	}
}

func needSlot(ex *slots.Executor, name string, kind slots.Kind) error {
	def, ok := ex.Store().Def(name)
	if !ok {
		return fmt.Errorf("%w: %q", slots.ErrUnknownSlot, name)
	}
	if def.Kind != kind {
		return fmt.Errorf("%w: %s must be %s", slots.ErrWrongKind, name, kind)
	}
	return nil
}

func pollAction(s Spec, ex *slots.Executor, log logx.Logger) schedule.Action {
	poll := &transport.PollSpec{
		Question:  s.Question,
		Answers:   append([]string(nil), s.Answers...),
		Duration:  s.PollDuration,
		Anonymous: s.Anonymous,
	}
	return func(ctx context.Context) error {
		if _, err := ex.ReplaceSingle(ctx, s.Slot, transport.Content{Poll: poll}); err != nil {
			return err
		}
		if s.CompanionSlot == "" || s.CompanionText == "" {
			return nil
		}
		if _, err := ex.ReplaceSingle(ctx, s.CompanionSlot, transport.Content{Text: s.CompanionText}); err != nil {
			log.Warn("poll companion failed", logx.String("slot", s.CompanionSlot), logx.Err(err))
			return err
		}
		return nil
	}
}

func linksAction(s Spec, d Deps, log logx.Logger) schedule.Action {
	return func(ctx context.Context) error {
		entries, err := d.Catalog.Entries(ctx)
		if err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
		picked := catalog.Filter(entries, s.Weekdays, s.Keywords, d.Location)
		if len(picked) == 0 && s.SkipIfEmpty {
			log.Info("no matching events, links left unchanged", logx.Int("catalog", len(entries)))
			return nil
		}

		var errs []error
		for _, name := range s.AlsoClear {
			if err := d.Exec.Clear(ctx, name); err != nil {
				errs = append(errs, err)
			}
		}
		contents := Render(s, picked, d.Location)
		if err := d.Exec.RefreshList(ctx, s.Slot, contents); err != nil {
			errs = append(errs, err)
		}
		log.Info("links refreshed", logx.Int("events", len(picked)), logx.Int("messages", len(contents)))
		return errors.Join(errs...)
	}
}

// Render builds the list items for picked entries according to the action's link policy.
func Render(s Spec, picked []catalog.Entry, loc *time.Location) []transport.Content {
	var out []transport.Content
	switch s.Policy {
	case Grouped:
		if len(picked) > 0 {
			out = append(out, transport.Content{Text: fill(s.Template, joinLinks(picked))})
		}
	case PerWeekday:
		days := s.Weekdays
		if len(days) == 0 {
			days = []time.Weekday{time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday}
		}
		templated := map[time.Weekday]bool{}
		for _, d := range s.TemplateDays {
			templated[d] = true
		}
		for i, group := range catalog.GroupByWeekday(picked, days, loc) {
			if len(group) == 0 {
				continue
			}
			links := joinLinks(group)
			if len(s.TemplateDays) == 0 || templated[days[i]] {
				links = fill(s.Template, links)
			}
			out = append(out, transport.Content{Text: links})
		}
	default:
		for _, e := range picked {
			out = append(out, transport.Content{Text: fill(s.Template, e.Link)})
		}
	}
	return out
}

func joinLinks(entries []catalog.Entry) string {
	links := make([]string, 0, len(entries))
	for _, e := range entries {
		links = append(links, e.Link)
	}
	return strings.Join(links, "\n")
}

func fill(tmpl, links string) string {
	if strings.TrimSpace(tmpl) == "" {
		return links
	}
	if !strings.Contains(tmpl, LinksPlaceholder) {
		return tmpl + "\n" + links
	}
	return strings.ReplaceAll(tmpl, LinksPlaceholder, links)
}

func sequence(s Spec, built map[string]schedule.Action) (schedule.Action, error) {
	if len(s.Steps) == 0 {
		return nil, errors.New("sequence needs steps")
	}
	steps := make([]schedule.Action, 0, len(s.Steps))
	for _, name := range s.Steps {
		a, ok := built[name]
		if !ok {
			return nil, fmt.Errorf("step %q is not a non-sequence action", name)
		}
		steps = append(steps, a)
	}
	return func(ctx context.Context) error {
		var errs []error
		for i, a := range steps {
			if err := a(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", s.Steps[i], err))
			}
		}
		return errors.Join(errs...)
	}, nil
}
