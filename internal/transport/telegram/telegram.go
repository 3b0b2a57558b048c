// Package telegram is the side-channel transport: it delivers finished
// artifacts into the requesting chat, replays cached file references and
// carries operator notifications. It also hosts the inbound message handler
// that turns posted links into download jobs.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	tele "gopkg.in/telebot.v4"

	"mediarelay/internal/media"
	"mediarelay/internal/storage"
	logx "mediarelay/pkg/logx"
)

type Config struct {
	Token       string
	AdminChatID int64

	// PollTimeout is the long-poll window for inbound updates.
	PollTimeout time.Duration

	// SendRetries bounds delivery attempts per artifact.
	SendRetries int
}

func (c *Config) normalize() {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.SendRetries <= 0 {
		c.SendRetries = 3
	}
}

// Downloader accepts jobs built from inbound messages.
type Downloader interface {
	Submit(job *media.Job) bool
}

// CallbackRegistry lets the handler attach per-message completion callbacks.
type CallbackRegistry interface {
	RegisterCallback(messageID int64, cb func(ctx context.Context, job *media.Job) error)
}

// RandomSource serves the /random command from already-delivered media.
type RandomSource interface {
	RandomMedia(ctx context.Context) (storage.CacheEntry, bool, error)
}

type Bot struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func NewBot(cfg Config, log logx.Logger) (*Bot, error) {
	cfg.normalize()
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
		OnError: func(err error, _ tele.Context) {
			log.Error("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Bot{cfg: cfg, log: log, bot: b}, nil
}

var urlRe = regexp.MustCompile(`https?://\S+`)

// Listen registers the inbound handlers and starts long polling. Blocks until
// Stop is called.
func (b *Bot) Listen(dl Downloader, reg CallbackRegistry, random RandomSource) {
	b.bot.Handle("/random", func(c tele.Context) error {
		e, ok, err := random.RandomMedia(context.Background())
		if err != nil {
			b.log.Warn("random lookup failed", logx.Err(err))
			return c.Reply("Nothing to send right now.")
		}
		if !ok {
			return c.Reply("The media cache is still empty.")
		}
		job := &media.Job{
			Type:          media.ParseType(e.MediaType),
			ChatID:        c.Chat().ID,
			ArtifactRef:   e.ArtifactRef,
			CanonicalName: e.CanonicalName,
		}
		_, err = b.Deliver(context.Background(), job)
		return err
	})

	b.bot.Handle(tele.OnText, func(c tele.Context) error {
		url := urlRe.FindString(c.Message().Text)
		if url == "" {
			return nil
		}
		job, err := media.New(media.Params{
			URL:       url,
			ChatID:    c.Chat().ID,
			MessageID: int64(c.Message().ID),
			SaveItems: true,
		})
		if err != nil {
			return nil
		}
		if !job.Origin.Known() {
			return nil
		}
		reg.RegisterCallback(job.MessageID, b.completionCallback)
		if !dl.Submit(job) {
			return c.Reply("The service is busy right now, please try again shortly.")
		}
		b.log.Info("job accepted",
			logx.String("job", job.ID.String()),
			logx.String("origin", string(job.Origin)),
			logx.Int64("chat", job.ChatID))
		return nil
	})
	b.bot.Start()
}

func (b *Bot) Stop() {
	b.bot.Stop()
}

// completionCallback is the terminal hook for jobs the handler spawned:
// failures and warnings become replies, cache-served jobs are re-sent by
// their stored file references.
func (b *Bot) completionCallback(ctx context.Context, job *media.Job) error {
	to := tele.ChatID(job.ChatID)
	switch {
	case job.Failed:
		_, err := b.bot.Send(to, job.FailedMsg)
		return err
	case job.Warning:
		_, err := b.bot.Send(to, job.WarningMsg)
		return err
	case job.InProcess && job.ArtifactRef != "":
		_, err := b.Deliver(ctx, job)
		return err
	}
	return nil
}

// Deliver sends the job's artifact(s) into the requesting chat and returns
// the file references Telegram assigned, for the dedup cache. A job carrying
// only an ArtifactRef (cache hit) is re-sent by reference.
func (b *Bot) Deliver(ctx context.Context, job *media.Job) ([]string, error) {
	if job.Type == media.TypeCollection {
		return b.deliverAlbum(ctx, job)
	}
	msg, err := b.sendWithRetry(ctx, tele.ChatID(job.ChatID), inputFor(job))
	if err != nil {
		return nil, err
	}
	ref := fileRef(msg)
	if ref == "" {
		ref = job.ArtifactRef
	}
	return []string{ref}, nil
}

func (b *Bot) deliverAlbum(ctx context.Context, job *media.Job) ([]string, error) {
	var album tele.Album
	for _, sub := range job.Collection {
		album = append(album, inputFor(sub))
	}
	if len(album) == 0 {
		return nil, errors.New("telegram: empty collection")
	}

	var msgs []tele.Message
	var err error
	for attempt := 0; attempt < b.cfg.SendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 2 * time.Second):
			}
		}
		msgs, err = b.bot.SendAlbum(tele.ChatID(job.ChatID), album)
		if err == nil {
			break
		}
		b.log.Warn("album send failed", logx.Int("attempt", attempt+1), logx.Err(err))
	}
	if err != nil {
		return nil, err
	}
	refs := make([]string, 0, len(msgs))
	for i := range msgs {
		refs = append(refs, fileRef(&msgs[i]))
	}
	return refs, nil
}

func (b *Bot) sendWithRetry(ctx context.Context, to tele.Recipient, what any) (*tele.Message, error) {
	var msg *tele.Message
	var err error
	for attempt := 0; attempt < b.cfg.SendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 2 * time.Second):
			}
		}
		msg, err = b.bot.Send(to, what)
		if err == nil {
			return msg, nil
		}
		b.log.Warn("send failed", logx.Int("attempt", attempt+1), logx.Err(err))
	}
	return nil, err
}

// inputFor picks the telebot media wrapper for a job: a local path when the
// artifact was just downloaded, a file reference when it came from the cache.
func inputFor(job *media.Job) tele.Inputtable {
	var f tele.File
	if job.ArtifactPath != "" {
		f = tele.FromDisk(job.ArtifactPath)
	} else {
		f = tele.File{FileID: job.ArtifactRef}
	}
	switch job.Type {
	case media.TypeImage:
		return &tele.Photo{File: f}
	case media.TypeAudio:
		return &tele.Audio{File: f, Title: job.CanonicalName}
	case media.TypeAnimation:
		return &tele.Animation{File: f}
	default:
		return &tele.Video{File: f, Caption: job.CanonicalName}
	}
}

func fileRef(m *tele.Message) string {
	switch {
	case m == nil:
		return ""
	case m.Video != nil:
		return m.Video.FileID
	case m.Photo != nil:
		return m.Photo.FileID
	case m.Audio != nil:
		return m.Audio.FileID
	case m.Animation != nil:
		return m.Animation.FileID
	case m.Document != nil:
		return m.Document.FileID
	}
	return ""
}

// Send implements the operator notification transport.
func (b *Bot) Send(ctx context.Context, text string) error {
	if b.cfg.AdminChatID == 0 {
		return nil
	}
	_, err := b.sendWithRetry(ctx, tele.ChatID(b.cfg.AdminChatID), text)
	return err
}
