// Package telegram implements the transport over the Telegram Bot API.
//
// The Bot API has no chat history endpoint, so the adapter keeps a transcript of every
// message it sends or observes in storage and serves History from it.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "slotbot/internal/runtime/supervisor"
	"slotbot/internal/storage"
	kit "slotbot/internal/transport"
	logx "slotbot/pkg/logx"
)

const textLimit = 4000

// Telegram only honours open_period up to ten minutes.
const maxOpenPeriod = 600 * time.Second

type Config struct {
	Token       string
	PollTimeout time.Duration
	// CallTimeout bounds every Bot API request. It is raised above PollTimeout when needed
	// so long polling still works.
	CallTimeout time.Duration
	// RatePerSec bounds outgoing API calls. 0 means 20.
	RatePerSec int
	// Watch lists chats whose observed messages are added to the transcript.
	Watch []int64
}

// Transcript is the storage subset the adapter needs.
type Transcript interface {
	AppendHistory(ctx context.Context, r storage.HistoryRecord) error
	ListHistory(ctx context.Context, channel int64, limit int) ([]storage.HistoryRecord, error)
	RemoveHistory(ctx context.Context, channel, messageID int64) error
}

type Adapter struct {
	cfg        Config
	log        logx.Logger
	bot        *tele.Bot
	transcript Transcript
	limiter    *rate.Limiter
	watch      map[int64]bool

	out     atomic.Value // chan<- kit.Update
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
	dropped uint64

	menuMu   sync.Mutex
	menuHash uint64

	kindsMu sync.Mutex
	kinds   map[int64]tele.ChatType
}

func New(cfg Config, tr Transcript, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if tr == nil {
		return nil, errors.New("telegram transport needs storage for its transcript")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
		Client: &http.Client{Timeout: clientTimeout(cfg.CallTimeout, timeout)},
	})
	if err != nil {
		return nil, err
	}
	return newAdapter(cfg, b, tr, log), nil
}

// clientTimeout is the HTTP timeout for Bot API requests. getUpdates holds the request open
// for the poll timeout, so the client must outlast it.
func clientTimeout(call, poll time.Duration) time.Duration {
	if call <= 0 {
		call = 15 * time.Second
	}
	if floor := poll + 5*time.Second; call < floor {
		return floor
	}
	return call
}

func newAdapter(cfg Config, b *tele.Bot, tr Transcript, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	a := &Adapter{
		cfg:        cfg,
		log:        log,
		bot:        b,
		transcript: tr,
		limiter:    rate.NewLimiter(rate.Limit(rps), rps),
		watch:      map[int64]bool{},
		kinds:      map[int64]tele.ChatType{},
	}
	for _, id := range cfg.Watch {
		a.watch[id] = true
	}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil {
			return nil
		}
		a.observe(m)
		if m.Sender == nil || !strings.HasPrefix(m.Text, "/") {
			return nil
		}
		a.sendUpdate(kit.Update{Message: &kit.Message{
			ID:           m.ID,
			ChatID:       m.Chat.ID,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			Text:         m.Text,
			IsGroup:      m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup,
		}})
		return nil
	})
	a.bot.Handle(tele.OnChannelPost, func(c tele.Context) error {
		if m := c.Message(); m != nil {
			a.observe(m)
		}
		return nil
	})
}

// observe adds messages from watched chats to the transcript.
func (a *Adapter) observe(m *tele.Message) {
	if m.Chat == nil || !a.watch[m.Chat.ID] {
		return
	}
	a.noteChat(m.Chat)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.transcript.AppendHistory(ctx, recordOf(m)); err != nil {
		a.log.Warn("transcript append failed", logx.Int64("chat", m.Chat.ID), logx.Err(err))
	}
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.dropped, 1)
	}
}

func (a *Adapter) noteChat(c *tele.Chat) {
	if c == nil || c.Type == "" {
		return
	}
	a.kindsMu.Lock()
	a.kinds[c.ID] = c.Type
	a.kindsMu.Unlock()
}

// isChannel reports whether id is a broadcast channel. Unknown chats are looked up once;
// a failed lookup answers false and is retried on the next call.
func (a *Adapter) isChannel(ctx context.Context, id int64) bool {
	a.kindsMu.Lock()
	kind, ok := a.kinds[id]
	a.kindsMu.Unlock()
	if ok {
		return kind == tele.ChatChannel
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return false
	}
	chat, err := a.bot.ChatByID(id)
	if err != nil {
		a.log.Warn("chat lookup failed", logx.Int64("chat", id), logx.Err(err))
		return false
	}
	a.noteChat(chat)
	return chat.Type == tele.ChatChannel
}

// Identity is the bot's own user id.
func (a *Adapter) Identity() int64 {
	if a.bot == nil || a.bot.Me == nil {
		return 0
	}
	return a.bot.Me.ID
}

func (a *Adapter) Send(ctx context.Context, channel int64, c kit.Content) (kit.Handle, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return kit.Handle{}, err
	}
	var what any = c.Text
	if c.Poll != nil {
		what = toPoll(c.Poll, a.isChannel(ctx, channel))
	}
	msg, err := a.bot.Send(&tele.Chat{ID: channel}, what)
	if err != nil {
		return kit.Handle{}, mapErr(err)
	}
	if msg.Chat == nil {
		msg.Chat = &tele.Chat{ID: channel}
	}
	a.noteChat(msg.Chat)
	rec := sentRecord(msg, a.Identity())
	if c.Poll != nil {
		rec.Text, rec.IsPoll = c.Poll.Question, true
	}
	if err := a.transcript.AppendHistory(ctx, rec); err != nil {
		a.log.Warn("transcript append failed", logx.Int64("chat", channel), logx.Err(err))
	}
	return kit.Handle{
		ID:          rec.MessageID,
		Channel:     channel,
		Fingerprint: kit.Fingerprint(c.Body()),
		CreatedAt:   rec.CreatedAt,
		IsPoll:      c.IsPoll(),
	}, nil
}

func (a *Adapter) Delete(ctx context.Context, h kit.Handle) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	err := mapErr(a.bot.Delete(tele.StoredMessage{
		MessageID: strconv.FormatInt(h.ID, 10),
		ChatID:    h.Channel,
	}))
	if err == nil || errors.Is(err, kit.ErrGone) {
		if rerr := a.transcript.RemoveHistory(ctx, h.Channel, h.ID); rerr != nil {
			a.log.Warn("transcript remove failed", logx.Int64("chat", h.Channel), logx.Int64("id", h.ID), logx.Err(rerr))
		}
	}
	return err
}

func (a *Adapter) History(ctx context.Context, channel int64, limit int) ([]kit.Entry, error) {
	recs, err := a.transcript.ListHistory(ctx, channel, limit)
	if err != nil {
		return nil, err
	}
	out := make([]kit.Entry, 0, len(recs))
	for _, r := range recs {
		out = append(out, entryOf(r))
	}
	return out, nil
}

// Reply sends text to an admin chat in chunks. Replies stay out of the transcript.
func (a *Adapter) Reply(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range kit.SplitText(text, textLimit) {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := a.bot.Send(&tele.Chat{ID: chatID}, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

// SendLog forwards a log line to the operator chat.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, text string) error {
	return a.Reply(ctx, chatID, text)
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() == nil {
			return errors.New("poller exited unexpectedly")
		}
		return nil
	}, 500*time.Millisecond, 10*time.Second)
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := atomic.SwapUint64(&a.dropped, 0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()
	go a.bot.Stop()

	// Long-poll may still be waiting on getUpdates; do not hold shutdown for it.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop", logx.Err(err))
	}
	return nil
}

// UpdateMenuCommands publishes the command menu, skipping the call when nothing changed.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	sum := menuHash(cmds)
	if sum == a.menuHash {
		return nil
	}
	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		list = append(list, tele.Command{Text: c.Command, Description: d})
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(list); err != nil {
		return fmt.Errorf("telegram setMyCommands: %w", err)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}

func menuHash(cmds []kit.BotCommand) uint64 {
	h := fnv.New64a()
	for _, c := range cmds {
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// toPoll converts a poll spec. Channels reject polls that show voters.
func toPoll(p *kit.PollSpec, channel bool) *tele.Poll {
	poll := &tele.Poll{
		Type:      tele.PollRegular,
		Question:  p.Question,
		Anonymous: p.Anonymous || channel,
	}
	for _, ans := range p.Answers {
		poll.Options = append(poll.Options, tele.PollOption{Text: ans})
	}
	if p.Duration > 0 && p.Duration <= maxOpenPeriod {
		poll.OpenPeriod = int(p.Duration / time.Second)
	}
	return poll
}

// recordOf converts an observed message. Channel posts carry no user; they are attributed to
// the sender chat, which never equals a bot's user id.
func recordOf(m *tele.Message) storage.HistoryRecord {
	r := storage.HistoryRecord{
		MessageID: int64(m.ID),
		Text:      m.Text,
		CreatedAt: m.Time(),
	}
	if m.Chat != nil {
		r.Channel = m.Chat.ID
	}
	switch {
	case m.Sender != nil:
		r.Author = m.Sender.ID
	case m.SenderChat != nil:
		r.Author = m.SenderChat.ID
	}
	if m.Poll != nil {
		r.IsPoll = true
		r.Text = m.Poll.Question
	}
	if r.CreatedAt.Unix() <= 0 {
		r.CreatedAt = time.Now()
	}
	return r
}

// sentRecord converts a message this adapter just sent.
func sentRecord(m *tele.Message, self int64) storage.HistoryRecord {
	r := recordOf(m)
	r.Author = self
	return r
}

func entryOf(r storage.HistoryRecord) kit.Entry {
	return kit.Entry{
		Handle: kit.Handle{
			ID:          r.MessageID,
			Channel:     r.Channel,
			Fingerprint: kit.Fingerprint(r.Text),
			CreatedAt:   r.CreatedAt,
			IsPoll:      r.IsPoll,
		},
		Author: r.Author,
		Text:   r.Text,
		IsPoll: r.IsPoll,
	}
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, tele.ErrNotFoundToDelete),
		strings.Contains(msg, "message to delete not found"),
		strings.Contains(msg, "message can't be deleted"):
		return fmt.Errorf("%w: %v", kit.ErrGone, err)
	case errors.Is(err, tele.ErrChatNotFound), strings.Contains(msg, "chat not found"):
		return fmt.Errorf("%w: %v", kit.ErrChannelNotFound, err)
	}
	return err
}
