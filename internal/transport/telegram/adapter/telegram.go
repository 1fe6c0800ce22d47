package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "switchboard/internal/runtime/supervisor"
	"switchboard/internal/transport"
	logx "switchboard/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- transport.Update)
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop and drop reporter. Created on Start, canceled on Stop.
	sup *rtsup.Supervisor

	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the current output channel. Start may swap it.
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil {
			return nil
		}
		a.sendUpdate(transport.Update{Kind: transport.UpdateMessage, Message: convertMessage(m)})
		return nil
	})

	a.bot.Handle(tele.OnContact, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Contact == nil {
			return nil
		}
		msg := convertMessage(m)
		msg.Contact = &transport.Contact{
			Phone:     m.Contact.PhoneNumber,
			UserID:    m.Contact.UserID,
			FirstName: m.Contact.FirstName,
		}
		a.sendUpdate(transport.Update{Kind: transport.UpdateContact, Message: msg})
		return nil
	})
}

func convertMessage(m *tele.Message) *transport.Message {
	out := &transport.Message{ID: m.ID, Text: m.Text}
	if m.Chat != nil {
		out.ChatID = m.Chat.ID
		out.IsGroup = m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup
	}
	if m.Sender != nil {
		out.FromID = m.Sender.ID
		out.FromUsername = m.Sender.Username
	}
	return out
}

func (a *Adapter) sendUpdate(up transport.Update) {
	out, _ := a.out.Load().(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
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

	sup.Go("updates.drop_report", func(c context.Context) error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return nil
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})

	sup.Go("telebot.stop_on_cancel", func(c context.Context) error {
		<-c.Done()
		a.bot.Stop()
		return nil
	})

	// telebot's Start blocks until Stop. An early return while the context is
	// live is treated as a failure so the loop restarts.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited unexpectedly")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates is still long-polling.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

const telegramTextLimit = 4000

// splitText splits long messages into chunks Telegram accepts, preferring
// newline boundaries.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid tiny chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func buildMarkup(opt *transport.SendOptions) *tele.ReplyMarkup {
	switch {
	case opt.RequestContact:
		label := opt.ContactButton
		if label == "" {
			label = "Share phone number"
		}
		m := &tele.ReplyMarkup{ResizeKeyboard: true, OneTimeKeyboard: true}
		m.Reply(m.Row(m.Contact(label)))
		return m
	case opt.RemoveKeyboard:
		return &tele.ReplyMarkup{RemoveKeyboard: true}
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	markup := buildMarkup(opt)

	var first transport.MessageRef
	for i, chunk := range splitText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		sendOpt := &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
		}
		// Markup goes on the first chunk only.
		if i == 0 && markup != nil {
			sendOpt.ReplyMarkup = markup
		}
		msg, err := a.bot.Send(chat, chunk, sendOpt)
		if err != nil {
			return first, classifySendError(err)
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SendPlain sends unformatted text. It satisfies logx.ChatSender.
func (a *Adapter) SendPlain(ctx context.Context, chatID int64, text string) error {
	_, err := a.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, &transport.SendOptions{DisablePreview: true})
	return err
}

// UpdateMenuCommands publishes the bot command menu (setMyCommands).
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []transport.BotCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		out = append(out, tele.Command{Text: c.Command, Description: d})
	}
	if err := a.bot.SetCommands(out); err != nil {
		return fmt.Errorf("telegram setMyCommands: %w", err)
	}
	a.log.Info("menu commands updated", logx.Int("count", len(out)))
	return nil
}

// classifySendError maps Bot API failures onto transport sentinels so
// callers can tell transient from permanent failures.
func classifySendError(err error) error {
	if err == nil {
		return nil
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "too many requests"), strings.Contains(s, "retry after"):
		return fmt.Errorf("%w: %v", transport.ErrRateLimited, err)
	case strings.Contains(s, "bot was blocked"),
		strings.Contains(s, "chat not found"),
		strings.Contains(s, "user is deactivated"),
		strings.Contains(s, "bot can't initiate conversation"):
		return fmt.Errorf("%w: %v", transport.ErrUnreachable, err)
	}
	return err
}
