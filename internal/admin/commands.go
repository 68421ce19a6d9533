package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"slotbot/internal/catalog"
)

const stamp = "Mon 02 Jan 15:04"

func (r *Router) builtins() []Command {
	return []Command{
		{
			Name:        "status",
			Description: "slot contents, ledger and next fire times",
			Usage:       "/status",
			Handle:      r.cmdStatus,
		},
		{
			Name:        "events",
			Description: "list upcoming catalog events",
			Usage:       "/events",
			Handle:      r.cmdEvents,
		},
		{
			Name:        "force",
			Aliases:     []string{"run"},
			Description: "run an action now",
			Usage:       "/force <action>",
			Handle:      r.cmdForce,
		},
		{
			Name:        "recover",
			Description: "rebuild slot state from channel history",
			Usage:       "/recover",
			Handle:      r.cmdRecover,
		},
		{
			Name:        "help",
			Aliases:     []string{"h", "start"},
			Description: "show commands",
			Usage:       "/help",
			Handle:      r.cmdHelp,
		},
	}
}

func (r *Router) cmdStatus(ctx context.Context, req *Request) error {
	st, err := r.deps.Port.Status(ctx)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🕒 %s (%s)\n\n📌 Slots\n", st.Now.Format(stamp), st.Timezone)
	for _, s := range st.Slots {
		ids := "(empty)"
		if len(s.IDs) > 0 {
			parts := make([]string, 0, len(s.IDs))
			for _, id := range s.IDs {
				parts = append(parts, fmt.Sprint(id))
			}
			ids = strings.Join(parts, ", ")
		}
		fmt.Fprintf(&b, "• %s [%s] chat %d: %s\n", s.Slot, s.Kind, s.Channel, ids)
	}
	b.WriteString("\n🧾 Last runs\n")
	if len(st.Ledger) == 0 {
		b.WriteString("• none yet\n")
	}
	for _, k := range sortedKeys(st.Ledger) {
		fmt.Fprintf(&b, "• %s: %s\n", k, st.Ledger[k])
	}
	b.WriteString("\n⏭ Next\n")
	for _, n := range st.Next {
		if n.At.IsZero() {
			fmt.Fprintf(&b, "• %s (%s): never\n", n.Rule, n.Action)
			continue
		}
		fmt.Fprintf(&b, "• %s (%s): %s\n", n.Rule, n.Action, n.At.Format(stamp))
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func (r *Router) cmdEvents(ctx context.Context, req *Request) error {
	if r.deps.Catalog == nil {
		return errors.New("no event catalog configured")
	}
	entries, err := r.deps.Catalog.Entries(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return req.Reply(ctx, "No upcoming events.")
	}
	catalog.SortByStart(entries)
	return req.Reply(ctx, FormatEvents(entries, r.deps.Location))
}

// FormatEvents renders one block per event with its start time and link.
func FormatEvents(entries []catalog.Entry, loc *time.Location) string {
	blocks := make([]string, 0, len(entries))
	for _, e := range entries {
		blocks = append(blocks, fmt.Sprintf("**%s**\n📅 %s\n🔗 %s", e.Name, e.Start.In(loc).Format("2006-01-02 15:04"), e.Link))
	}
	return strings.Join(blocks, "\n\n")
}

func (r *Router) cmdForce(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, "usage: /force <action>\nactions: "+strings.Join(r.deps.Port.Actions(), ", "))
	}
	action := req.Args[0]
	start := time.Now()
	if err := r.deps.Port.Force(ctx, action); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	return req.Reply(ctx, fmt.Sprintf("✅ %s done in %s", action, time.Since(start).Round(time.Millisecond)))
}

func (r *Router) cmdRecover(ctx context.Context, req *Request) error {
	rep, err := r.deps.Port.Recover(ctx)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🔎 scanned %d messages\n", rep.Scanned)
	names := make(map[string]string, len(rep.Recovered))
	for k, v := range rep.Recovered {
		names[k] = fmt.Sprint(v)
	}
	for _, k := range sortedKeys(names) {
		fmt.Fprintf(&b, "• %s: %s\n", k, names[k])
	}
	if len(rep.Degraded) > 0 {
		fmt.Fprintf(&b, "⚠️ unreadable chats: %v\n", rep.Degraded)
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	lines := []string{"📚 Commands"}
	for _, c := range r.cmds {
		line := c.Usage + " - " + c.Description
		if len(c.Aliases) > 0 {
			line += " (alias: /" + strings.Join(c.Aliases, ", /") + ")"
		}
		lines = append(lines, line)
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}
