package uploader

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"mediarelay/internal/eventbus"
	"mediarelay/internal/media"
	"mediarelay/internal/runtime/supervisor"
	"mediarelay/internal/storage"
	logx "mediarelay/pkg/logx"
)

// Deliverer pushes a finished artifact over the side channel and returns the
// durable reference(s) the channel assigned to it.
type Deliverer interface {
	Deliver(ctx context.Context, job *media.Job) ([]string, error)
}

// Downloader accepts replayed jobs back into the download phase.
type Downloader interface {
	Submit(job *media.Job) bool
}

// Notifier carries admin notices out of band.
type Notifier interface {
	Notify(text string)
}

// Callback is invoked when a job reaches a user-visible state: delivered,
// failed, warned or prompting for credentials. The request layer registers
// one per originating message. An alias so callers don't need to name this
// package in their own interfaces.
type Callback = func(ctx context.Context, job *media.Job) error

type Config struct {
	Workers   int
	QueueSize int

	// RetryBackoff spaces out cache re-checks for jobs waiting on another
	// worker's in-flight download of the same media.
	RetryBackoff time.Duration
}

func (c *Config) normalize() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
}

// Uploader runs the upload-phase worker pool: delivery over the side channel,
// dedup cache writes, replay bounce-back and callback fan-out to the request
// layer.
//
// A per-uniq-id in-flight set makes delivery single-flight: duplicates that
// arrived while the first download was running carry InProcess and spin on
// the cache until the first delivery lands.
type Uploader struct {
	cfg       Config
	log       logx.Logger
	store     storage.Store
	deliverer Deliverer
	notifier  Notifier
	bus       eventbus.Bus

	queue  chan *media.Job
	stopCh chan struct{}
	sup    *supervisor.Supervisor

	mu         sync.Mutex
	callbacks  map[int64]Callback
	inflight   map[string]struct{}
	downloader Downloader
}

type Deps struct {
	Store     storage.Store
	Deliverer Deliverer
	Notifier  Notifier
	Bus       eventbus.Bus
}

func New(cfg Config, deps Deps, log logx.Logger) *Uploader {
	cfg.normalize()
	bus := deps.Bus
	if bus == nil {
		bus = eventbus.New()
	}
	return &Uploader{
		cfg:       cfg,
		log:       log,
		store:     deps.Store,
		deliverer: deps.Deliverer,
		notifier:  deps.Notifier,
		bus:       bus,
		queue:     make(chan *media.Job, cfg.QueueSize),
		stopCh:    make(chan struct{}),
		callbacks: map[int64]Callback{},
		inflight:  map[string]struct{}{},
	}
}

// SetDownloader wires the replay path. The download dispatcher and the
// uploader reference each other, so one side is attached after construction.
func (u *Uploader) SetDownloader(d Downloader) {
	u.mu.Lock()
	u.downloader = d
	u.mu.Unlock()
}

// RegisterCallback attaches the request layer's completion handler for the
// message that spawned a job.
func (u *Uploader) RegisterCallback(messageID int64, cb Callback) {
	u.mu.Lock()
	u.callbacks[messageID] = cb
	u.mu.Unlock()
}

func (u *Uploader) Start(ctx context.Context) {
	u.sup = supervisor.New(ctx, supervisor.WithLogger(u.log))
	for i := 0; i < u.cfg.Workers; i++ {
		u.sup.GoRestart(fmt.Sprintf("upload-worker-%d", i), u.workerLoop)
	}
	u.log.Info("uploader started", logx.Int("workers", u.cfg.Workers))
}

func (u *Uploader) Stop(ctx context.Context) error {
	close(u.stopCh)
	for i := 0; i < u.cfg.Workers; i++ {
		select {
		case u.queue <- nil:
		default:
		}
	}
	if u.sup == nil {
		return nil
	}
	return u.sup.Stop(ctx)
}

// Submit places a job on the upload queue, dropping it when shutting down.
func (u *Uploader) Submit(job *media.Job) {
	select {
	case <-u.stopCh:
	case u.queue <- job:
	}
}

func (u *Uploader) workerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-u.queue:
			if job == nil {
				return nil
			}
			u.process(ctx, job)
		}
	}
}

func (u *Uploader) process(ctx context.Context, job *media.Job) {
	log := u.log.With(
		logx.String("job", job.ID.String()),
		logx.String("uniq_id", job.UniqID),
	)

	switch {
	case job.AdminNotice:
		if u.notifier != nil && job.NoticeText != "" {
			u.notifier.Notify(job.NoticeText)
		}
		return

	case job.AuthPrompt:
		u.invokeCallback(ctx, job, true, log)
		return

	case job.Replay:
		u.replay(job, log)
		return

	case job.Failed:
		u.cleanupFiles(job)
		if job.FailedMsg != "" {
			u.invokeCallback(ctx, job, true, log)
		}
		u.bus.Publish(eventbus.Event{Type: "upload.failed", Data: job.UniqID})
		return

	case job.Warning:
		// The job stays alive in the fail queue; the warning is informational.
		u.invokeCallback(ctx, job, false, log)
		return

	case job.InProcess:
		u.resolveFromCache(ctx, job, log)
		return
	}

	u.deliver(ctx, job, log)
}

func (u *Uploader) replay(job *media.Job, log logx.Logger) {
	u.mu.Lock()
	dl := u.downloader
	u.mu.Unlock()
	if dl == nil {
		log.Error("replay with no downloader attached")
		return
	}
	down := job.ToDownloadPhase(media.Overrides{})
	if !dl.Submit(down) {
		log.Warn("replay submit rejected")
	}
}

// resolveFromCache serves a duplicate request: the media was either already
// delivered (cache hit, reuse the reference) or is being delivered right now
// by another worker (spin with backoff until the cache write lands).
func (u *Uploader) resolveFromCache(ctx context.Context, job *media.Job, log logx.Logger) {
	if u.store == nil {
		log.Error("in-process job without a store")
		return
	}
	entries, err := u.store.LookupMedia(ctx, job.UniqID)
	if err != nil {
		log.Warn("cache lookup failed", logx.Err(err))
	}
	if len(entries) == 0 {
		log.Debug("cache not ready, re-checking later")
		go func() {
			select {
			case <-u.stopCh:
			case <-time.After(u.cfg.RetryBackoff):
				u.Submit(job)
			}
		}()
		return
	}

	refs := make([]string, 0, len(entries))
	for _, e := range entries {
		refs = append(refs, e.ArtifactRef)
	}
	job.ArtifactRef = strings.Join(refs, ",")
	if len(entries) > 1 {
		job.Type = media.TypeCollection
	} else {
		job.Type = media.ParseType(entries[0].MediaType)
	}
	if job.CanonicalName == "" {
		job.CanonicalName = entries[0].CanonicalName
	}
	// The delivering worker removed any local file; the refs are the only
	// valid handle from here on.
	job.ArtifactPath = ""
	for _, sub := range job.Collection {
		sub.ArtifactPath = ""
	}
	log.Info("served from cache", logx.Int("refs", len(refs)))
	u.invokeCallback(ctx, job, true, log)
	u.bus.Publish(eventbus.Event{Type: "upload.cached", Data: job.UniqID})
}

func (u *Uploader) deliver(ctx context.Context, job *media.Job, log logx.Logger) {
	defer u.cleanupFiles(job)

	if !u.markInFlight(job.UniqID) {
		// Another worker is delivering the same media; fall back to the
		// duplicate path.
		job.InProcess = true
		u.resolveFromCache(ctx, job, log)
		return
	}
	defer u.release(job.UniqID)

	refs, err := u.deliverer.Deliver(ctx, job)
	if err != nil {
		log.Error("delivery failed", logx.Err(err))
		job.Failed = true
		job.FailedMsg = "Failed to send this media. Please try again later."
		u.invokeCallback(ctx, job, true, log)
		u.bus.Publish(eventbus.Event{Type: "upload.failed", Data: job.UniqID})
		return
	}
	job.ArtifactRef = strings.Join(refs, ",")

	u.saveToCache(ctx, job, refs, log)
	u.invokeCallback(ctx, job, true, log)
	log.Info("delivered", logx.Int("refs", len(refs)))
	u.bus.Publish(eventbus.Event{Type: "upload.delivered", Data: job.UniqID})
}

// saveToCache records the delivery in the dedup cache. Every successful
// delivery is cached; SaveItems only decides whether a collection is stored
// as one row per sub-item or a single row.
func (u *Uploader) saveToCache(ctx context.Context, job *media.Job, refs []string, log logx.Logger) {
	if u.store == nil || job.UniqID == "" {
		return
	}
	var entries []storage.CacheEntry
	if job.Type == media.TypeCollection && len(job.Collection) > 0 && job.SaveItems {
		for i, sub := range job.Collection {
			ref := ""
			if i < len(refs) {
				ref = refs[i]
			}
			entries = append(entries, storage.CacheEntry{
				UniqID:        job.UniqID,
				Origin:        string(job.Origin),
				MediaType:     string(sub.Type),
				ArtifactRef:   ref,
				CanonicalName: sub.CanonicalName,
			})
		}
	} else {
		entries = append(entries, storage.CacheEntry{
			UniqID:        job.UniqID,
			Origin:        string(job.Origin),
			MediaType:     string(job.Type),
			ArtifactRef:   job.ArtifactRef,
			CanonicalName: job.CanonicalName,
		})
	}
	inserted, err := u.store.SaveMedia(ctx, entries)
	if err != nil {
		log.Warn("cache save failed", logx.Err(err))
		return
	}
	if !inserted {
		log.Debug("cache entry already present")
	}
}

func (u *Uploader) invokeCallback(ctx context.Context, job *media.Job, terminal bool, log logx.Logger) {
	u.mu.Lock()
	cb := u.callbacks[job.MessageID]
	if terminal {
		delete(u.callbacks, job.MessageID)
	}
	u.mu.Unlock()
	if cb == nil {
		return
	}
	if err := cb(ctx, job); err != nil {
		log.Warn("completion callback failed", logx.Err(err))
	}
}

func (u *Uploader) markInFlight(uniqID string) bool {
	if uniqID == "" {
		return true
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, busy := u.inflight[uniqID]; busy {
		return false
	}
	u.inflight[uniqID] = struct{}{}
	return true
}

func (u *Uploader) release(uniqID string) {
	if uniqID == "" {
		return
	}
	u.mu.Lock()
	delete(u.inflight, uniqID)
	u.mu.Unlock()
}

func (u *Uploader) cleanupFiles(job *media.Job) {
	if job.ArtifactPath != "" {
		if err := os.Remove(job.ArtifactPath); err != nil && !os.IsNotExist(err) {
			u.log.Warn("artifact cleanup failed", logx.String("path", job.ArtifactPath), logx.Err(err))
		}
	}
	for _, sub := range job.Collection {
		u.cleanupFiles(sub)
	}
}
