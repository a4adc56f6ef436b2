// Package telegram publishes content to a Telegram channel or chat.
package telegram

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"postpilot/internal/publisher"
	logx "postpilot/pkg/logx"
)

type Config struct {
	Token string
	// URL overrides the Bot API endpoint. Empty means api.telegram.org.
	URL string

	ChatID   int64
	ThreadID int

	// Ops alerts go here; zero falls back to ChatID.
	AlertChatID   int64
	AlertThreadID int

	DisablePreview bool
}

// Publisher posts item text through the Bot API.
type Publisher struct {
	cfg Config
	bot *tele.Bot
	log logx.Logger
	now func() time.Time
}

func New(cfg Config, log logx.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	// Offline skips the getMe round trip; sends still go to the API.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     strings.TrimRight(cfg.URL, "/"),
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Publisher{cfg: cfg, bot: b, log: log.With(logx.Comp("publisher.telegram")), now: time.Now}, nil
}

func (p *Publisher) Publish(ctx context.Context, req publisher.Request) (publisher.Result, error) {
	opt := &tele.SendOptions{
		ThreadID:              p.cfg.ThreadID,
		DisableWebPagePreview: p.cfg.DisablePreview,
	}
	if ref := strings.TrimSpace(req.ReplyToExternalID); ref != "" {
		id, err := strconv.Atoi(ref)
		if err != nil {
			return publisher.Result{}, publisher.NewPermanent("bad_reference", "reply reference is not a message id: "+ref, err)
		}
		opt.ReplyTo = &tele.Message{ID: id}
	}

	msg, err := p.send(ctx, p.cfg.ChatID, req.Text, opt)
	if err != nil {
		return publisher.Result{}, classify(err)
	}
	posted := p.now().UTC()
	if msg != nil && msg.Unixtime > 0 {
		posted = msg.Time().UTC()
	}
	id := ""
	if msg != nil {
		id = strconv.Itoa(msg.ID)
	}
	p.log.Debug("published", logx.Item(req.ItemID), logx.String("external_id", id))
	return publisher.Result{ExternalID: id, PostedAt: posted}, nil
}

// SendAlert delivers an ops alert line.
func (p *Publisher) SendAlert(ctx context.Context, text string) error {
	chat, thread := p.cfg.AlertChatID, p.cfg.AlertThreadID
	if chat == 0 {
		chat, thread = p.cfg.ChatID, p.cfg.ThreadID
	}
	_, err := p.send(ctx, chat, text, &tele.SendOptions{ThreadID: thread, DisableWebPagePreview: true})
	return err
}

// send runs bot.Send so the caller's deadline is honored.
func (p *Publisher) send(ctx context.Context, chatID int64, text string, opt *tele.SendOptions) (*tele.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type out struct {
		msg *tele.Message
		err error
	}
	done := make(chan out, 1)
	go func() {
		m, err := p.bot.Send(&tele.Chat{ID: chatID}, text, opt)
		done <- out{m, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.msg, r.err
	}
}

var reCode = regexp.MustCompile(`\((\d{3})\)\s*$`)

// classify maps Bot API failures onto publisher errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return publisher.Classify(err)
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return rateLimited(err, flood.RetryAfter)
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return rateLimited(err, floodPtr.RetryAfter)
	}

	code := 0
	var te *tele.Error
	if errors.As(err, &te) {
		code = te.Code
	} else if m := reCode.FindStringSubmatch(err.Error()); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	switch {
	case code == 429:
		return rateLimited(err, 0)
	case code == 400:
		return publisher.NewPermanent("bad_request", err.Error(), err)
	case code == 401 || code == 403:
		return publisher.NewPermanent("unauthorized", err.Error(), err)
	case code == 404:
		return publisher.NewPermanent("not_found", err.Error(), err)
	case code >= 500:
		return publisher.NewTransient("platform_unavailable", err.Error(), err)
	}
	return publisher.NewTransient("network", err.Error(), err)
}

func rateLimited(err error, retryAfterSec int) error {
	e := publisher.NewTransient("rate_limited", err.Error(), err)
	if retryAfterSec > 0 {
		e.RetryAfter = time.Duration(retryAfterSec) * time.Second
	}
	return e
}
