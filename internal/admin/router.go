// Package admin routes operator commands received over the inbound transport.
package admin

import (
	"context"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"slotbot/internal/catalog"
	"slotbot/internal/recovery"
	rtsup "slotbot/internal/runtime/supervisor"
	"slotbot/internal/schedule"
	"slotbot/internal/storage"
	kit "slotbot/internal/transport"
	logx "slotbot/pkg/logx"
)

// Port is the scheduler surface commands act on.
type Port interface {
	Status(ctx context.Context) (schedule.Status, error)
	Force(ctx context.Context, action string) error
	Recover(ctx context.Context) (recovery.Report, error)
	Actions() []string
}

type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Replier interface {
	Reply(ctx context.Context, chatID int64, text string) error
}

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	ChatID       int64
	FromID       int64
	FromUsername string
	Command      string
	Args         []string
	ReqID        string
	Logger       logx.Logger

	reply Replier
}

func (r *Request) Reply(ctx context.Context, text string) error {
	return r.reply.Reply(ctx, r.ChatID, text)
}

type Config struct {
	Owners  []int64
	Timeout time.Duration // default per-command timeout; 0 means 2m
	Workers int           // 0 means 2
}

type Deps struct {
	Port     Port
	Catalog  catalog.Catalog
	Location *time.Location
	Replier  Replier
	Audit    Auditor
	Log      logx.Logger
}

type Router struct {
	cfg    Config
	deps   Deps
	log    logx.Logger
	owners map[int64]bool

	cmds  []Command
	index map[string]*Command
	jobs  chan func(ctx context.Context)
}

func New(cfg Config, d Deps) *Router {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Location == nil {
		d.Location = time.Local
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	r := &Router{
		cfg:    cfg,
		deps:   d,
		log:    d.Log,
		owners: map[int64]bool{},
		index:  map[string]*Command{},
		jobs:   make(chan func(ctx context.Context), 64),
	}
	for _, id := range cfg.Owners {
		r.owners[id] = true
	}
	r.register(r.builtins())
	return r
}

func (r *Router) register(cmds []Command) {
	r.cmds = cmds
	for i := range r.cmds {
		c := &r.cmds[i]
		r.index[c.Name] = c
		for _, a := range c.Aliases {
			if _, exists := r.index[a]; !exists {
				r.index[a] = c
			}
		}
	}
}

// MenuCommands lists commands for the platform command menu.
func (r *Router) MenuCommands() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// Run dispatches updates to a small worker pool until ctx is done or updates closes.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "admin.router"))),
		rtsup.WithCancelOnError(false),
	)
	if up, ok := r.deps.Replier.(kit.CommandMenuUpdater); ok {
		sup.Go0("menu.update", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(mctx, r.MenuCommands()); err != nil {
				r.log.Warn("menu update failed", logx.Err(err))
			}
		})
	}
	for i := 0; i < r.cfg.Workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					func() {
						defer func() {
							if p := recover(); p != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
							}
						}()
						job(c)
					}()
				}
			}
		}, 200*time.Millisecond, 5*time.Second)
	}
	r.log.Info("command dispatcher started", logx.Int("workers", r.cfg.Workers))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			job := r.route(ctx, up)
			if job == nil {
				continue
			}
			select {
			case r.jobs <- job:
			default:
				_ = r.deps.Replier.Reply(ctx, up.Message.ChatID, "busy, try again")
			}
		}
	}
}

// Handle processes one update synchronously.
func (r *Router) Handle(ctx context.Context, up kit.Update) {
	if job := r.route(ctx, up); job != nil {
		job(ctx)
	}
}

// route resolves an update into a job. Rejections are answered inline and yield nil.
func (r *Router) route(ctx context.Context, up kit.Update) func(context.Context) {
	msg := up.Message
	if msg == nil {
		return nil
	}
	name, args, ok := parseCommand(msg.Text)
	if !ok {
		return nil
	}
	if !r.owners[msg.FromID] {
		r.log.Warn("unauthorized command", logx.Int64("from_id", msg.FromID), logx.String("cmd", name))
		_ = r.deps.Replier.Reply(ctx, msg.ChatID, "unauthorized")
		return nil
	}
	cmd, ok := r.index[name]
	if !ok {
		_ = r.deps.Replier.Reply(ctx, msg.ChatID, "unknown command. try /help")
		return nil
	}

	rid := uuid.NewString()
	req := &Request{
		ChatID:       msg.ChatID,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Command:      cmd.Name,
		Args:         args,
		ReqID:        rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
		reply: r.deps.Replier,
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWAudit(r.deps.Audit, r.log),
		MWTimeout(timeout),
	)
	return func(c context.Context) {
		if err := final(c, req); err != nil {
			_ = req.Reply(c, "❌ "+err.Error())
		}
	}
}

// parseCommand splits "/name@bot arg1 arg2" into name and args.
func parseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)
	if word == "" {
		return "", nil, false
	}
	return word, parts[1:], true
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
