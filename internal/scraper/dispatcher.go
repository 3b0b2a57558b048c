package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mediarelay/internal/eventbus"
	"mediarelay/internal/media"
	"mediarelay/internal/runtime/supervisor"
	"mediarelay/internal/selector"
	"mediarelay/internal/storage"
	logx "mediarelay/pkg/logx"
)

// Uploader is the downstream sink for jobs leaving the download phase.
type Uploader interface {
	Submit(job *media.Job)
}

// Notifier delivers out-of-band operator alerts. Implementations must not
// block; dropped alerts are acceptable.
type Notifier interface {
	Notify(text string)
}

type Config struct {
	Workers   int
	QueueSize int

	// PostponeDelay is how long a postponed job waits before re-entering the
	// queue to re-check its deadline.
	PostponeDelay time.Duration
}

func (c *Config) normalize() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.PostponeDelay <= 0 {
		c.PostponeDelay = 2 * time.Second
	}
}

// Dispatcher runs the download-phase worker pool. Each worker pulls a job,
// resolves its link, consults the dedup cache, drives a platform actor and
// classifies the outcome into rotate-and-retry or a terminal result.
//
// Retry ceilings are checked before incrementing, so a job is attempted once
// more than the configured pool size before giving up. Media-level errors
// (unavailable, geoblock) rotate the account without charging an account
// switch; credential-level errors (rate limit, captcha) go through
// switchAccount and count toward the switch budget that eventually parks the
// job in the fail queue.
type Dispatcher struct {
	cfg      Config
	log      logx.Logger
	sel      *selector.Selector
	store    storage.Store
	registry *Registry
	resolver Resolver
	uploader Uploader
	notifier Notifier
	bus      eventbus.Bus

	queue  chan *media.Job
	stopCh chan struct{}
	sup    *supervisor.Supervisor
}

type Deps struct {
	Selector *selector.Selector
	Store    storage.Store
	Registry *Registry // nil means the package default
	Resolver Resolver
	Uploader Uploader
	Notifier Notifier
	Bus      eventbus.Bus
}

func NewDispatcher(cfg Config, deps Deps, log logx.Logger) *Dispatcher {
	cfg.normalize()
	reg := deps.Registry
	if reg == nil {
		reg = defaultRegistry
	}
	res := deps.Resolver
	if res == nil {
		res = NewLinkResolver(log)
	}
	bus := deps.Bus
	if bus == nil {
		bus = eventbus.New()
	}
	return &Dispatcher{
		cfg:      cfg,
		log:      log,
		sel:      deps.Selector,
		store:    deps.Store,
		registry: reg,
		resolver: res,
		uploader: deps.Uploader,
		notifier: deps.Notifier,
		bus:      bus,
		queue:    make(chan *media.Job, cfg.QueueSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the worker pool under the given parent context.
func (d *Dispatcher) Start(ctx context.Context) {
	d.sup = supervisor.New(ctx, supervisor.WithLogger(d.log))
	for i := 0; i < d.cfg.Workers; i++ {
		d.sup.GoRestart(fmt.Sprintf("download-worker-%d", i), d.workerLoop)
	}
	d.log.Info("download dispatcher started", logx.Int("workers", d.cfg.Workers))
}

// Stop wakes every worker with a nil sentinel and waits for them to drain.
func (d *Dispatcher) Stop(ctx context.Context) error {
	close(d.stopCh)
	for i := 0; i < d.cfg.Workers; i++ {
		select {
		case d.queue <- nil:
		default:
		}
	}
	if d.sup == nil {
		return nil
	}
	return d.sup.Stop(ctx)
}

// Submit places a job on the download queue. It reports false when the
// dispatcher is stopping or the queue is saturated.
func (d *Dispatcher) Submit(job *media.Job) bool {
	select {
	case <-d.stopCh:
		return false
	default:
	}
	select {
	case d.queue <- job:
		return true
	case <-d.stopCh:
		return false
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-d.queue:
			if job == nil {
				return nil
			}
			d.process(ctx, job)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, job *media.Job) {
	log := d.log.With(
		logx.String("job", job.ID.String()),
		logx.String("origin", string(job.Origin)),
		logx.String("uniq_id", job.UniqID),
	)

	if !job.Origin.Known() {
		// No actor family, no error surface: the request layer never promised
		// anything for this URL.
		log.Warn("dropping job for unknown origin", logx.String("url", job.URL))
		return
	}

	if job.AdminNotice || job.AuthPrompt {
		d.uploader.Submit(job.ToUploadPhase(media.Overrides{}))
		return
	}

	if !job.Replay && job.URL != "" {
		changed, err := d.resolver.Resolve(ctx, job)
		if err != nil {
			log.Error("link resolution failed", logx.Err(err))
			d.failJob(job, msgNotFound)
			return
		}
		if changed {
			// The canonical identity differs from what the request layer saw;
			// bounce through the upload side so it re-enters with the rewrite
			// recorded.
			d.uploader.Submit(job.ToUploadPhase(media.Overrides{Replay: true}))
			return
		}
	}

	if job.Replay {
		// A fail-queue snapshot re-enters with its counters intact and earns
		// one fresh attempt before the switch budget applies again.
		job.Replay = false
	} else if job.AccountSwitches > d.sel.CountAccounts(job.Origin) {
		d.deferJob(ctx, job, log)
		return
	}

	if job.InProcess {
		d.uploader.Submit(job.ToUploadPhase(media.Overrides{InProcess: true}))
		return
	}

	if d.store != nil && job.UniqID != "" && !job.ValidateSession && job.ScrollSeed == 0 {
		entries, err := d.store.LookupMedia(ctx, job.UniqID)
		if err != nil {
			log.Warn("dedup lookup failed", logx.Err(err))
		} else if len(entries) > 0 {
			log.Info("dedup cache hit", logx.Int("entries", len(entries)))
			d.uploader.Submit(job.ToUploadPhase(media.Overrides{InProcess: true}))
			return
		}
	}

	if until := time.Until(job.PostponedUntil); until > 0 {
		log.Info("job postponed", logx.Duration("remaining", until))
		d.requeue(job, d.cfg.PostponeDelay)
		return
	}

	if d.sel.RequestBudgetExceeded(job.Origin) {
		if _, ok := d.sel.Next(job.Origin); ok {
			log.Info("request budget exhausted, account rotated")
			d.publish("account.rotated", job)
		}
	}

	idx, acc, ok := d.sel.Current(job.Origin)
	if !ok {
		log.Error("no accounts configured for origin")
		d.failJob(job, msgUnknown)
		return
	}
	creds := Credentials{Account: acc, AccountIndex: idx, SessionID: d.sel.SessionID(job.Origin)}
	if p, ok := d.sel.CurrentProxy(job.Origin); ok {
		creds.Proxy = &p
	}

	actor, ok := d.registry.New(job.Origin, creds)
	if !ok {
		log.Error("no actor registered for origin")
		d.failJob(job, msgUnknown)
		return
	}

	switch {
	case job.ValidateSession:
		d.validateSession(ctx, job, actor, log)
		return
	case job.ScrollSeed != 0:
		d.scroll(ctx, job, actor, log)
		return
	}

	items, err := actor.Download(ctx, job)
	if err != nil {
		d.handleFailure(ctx, job, Classify(err), log)
		return
	}

	d.sel.IncRequests(job.Origin, 1)
	if creds.Proxy != nil {
		d.sel.MarkProxyUsed(*creds.Proxy)
	}
	d.succeed(ctx, job, items, log)
}

// deferJob parks a job that burned through more account switches than the pool
// holds: snapshot to the fail queue for a later scheduled replay, warn the
// requester once and alert the operator.
func (d *Dispatcher) deferJob(ctx context.Context, job *media.Job, log logx.Logger) {
	log.Warn("account switch budget exhausted, deferring job",
		logx.Int("switches", job.AccountSwitches))

	if d.store != nil {
		payload, err := json.Marshal(job)
		if err == nil {
			err = d.store.StoreFailedJob(ctx, storage.FailedJob{
				UniqID:    job.UniqID,
				ChatID:    job.ChatID,
				MessageID: job.MessageID,
				Payload:   payload,
			})
		}
		if err != nil {
			log.Error("fail queue store failed", logx.Err(err))
		}
	}

	d.uploader.Submit(job.ToUploadPhase(media.Overrides{Warning: true, WarningMsg: msgDelayed}))
	if d.notifier != nil {
		d.notifier.Notify(fmt.Sprintf("Job %s (%s) deferred after exhausting all accounts for %q.",
			job.ID, job.UniqID, job.Origin))
	}
	d.publish("job.deferred", job)
}

func (d *Dispatcher) validateSession(ctx context.Context, job *media.Job, actor Actor, log logx.Logger) {
	n, err := actor.ValidateSession(ctx)
	if err != nil {
		log.Warn("session validation failed", logx.Err(err))
		d.sel.BumpFailure(job.Origin, selector.FailAuth)
		return
	}
	d.sel.IncRequests(job.Origin, n)
	log.Info("session validated", logx.Int("requests_spent", n))
}

func (d *Dispatcher) scroll(ctx context.Context, job *media.Job, actor Actor, log logx.Logger) {
	n, err := actor.ScrollRelated(ctx, job.ScrollSeed)
	if err != nil {
		log.Warn("related scroll failed", logx.Err(err))
		return
	}
	d.sel.IncRequests(job.Origin, n)
	log.Debug("related content scrolled", logx.Int("requests_spent", n))
}

// handleFailure maps every failure kind onto exactly one policy. Ceilings are
// checked before the increment, which keeps terminal counter values stable:
// N accounts yield N+2 download attempts for availability errors, M proxies
// yield M+2 attempts for connectivity errors.
func (d *Dispatcher) handleFailure(ctx context.Context, job *media.Job, f *Failure, log logx.Logger) {
	log.Warn("download failed", logx.String("kind", f.Kind.String()), logx.Err(f))

	switch f.Kind {
	case KindNotFound:
		d.failJob(job, msgNotFound)

	case KindUnavailable:
		if job.UnavailableErrors > d.sel.CountAccounts(job.Origin) {
			d.failJob(job, msgAllAccs)
			return
		}
		job.UnavailableErrors++
		d.rotateAccountQuiet(job, log)
		d.requeue(job, 0)

	case KindTimeout, KindBadProxy:
		if job.BadProxyErrors > d.sel.CountProxies() {
			d.failJob(job, msgTimeout)
			return
		}
		job.BadProxyErrors++
		if _, ok := d.sel.NextProxy(job.Origin); ok {
			log.Info("proxy rotated", logx.Int("bad_proxy_errors", job.BadProxyErrors))
		}
		d.requeue(job, 0)

	case KindTooBig:
		d.failJob(job, msgTooBig)

	case KindRateLimited:
		d.switchAccount(job, selector.FailRateLimit, log)
		d.requeue(job, 0)

	case KindChallenge:
		if d.notifier != nil {
			idx, acc, _ := d.sel.Current(job.Origin)
			d.notifier.Notify(fmt.Sprintf("Anti-bot challenge on %q account #%d (%s); rotating account and proxy.",
				job.Origin, idx, acc.Login))
		}
		d.switchAccount(job, selector.FailCaptcha, log)
		// A challenge usually means the exit IP is burned too.
		d.sel.NextProxy(job.Origin)
		d.requeue(job, 0)

	case KindLiveBroadcast:
		d.failJob(job, msgLive)

	case KindAgeRestricted:
		d.failJob(job, msgAgeGate)

	default: // KindUnknown
		if f.Geoblocked() {
			if job.GeoblockErrors > d.sel.CountAccounts(job.Origin) {
				d.failJob(job, msgGeoAll)
				return
			}
			job.GeoblockErrors++
			d.rotateAccountQuiet(job, log)
			d.requeue(job, 0)
			return
		}
		d.failJob(job, msgUnknown)
		if d.notifier != nil {
			d.notifier.Notify(fmt.Sprintf("Unclassified scrape error for job %s (%s): %v", job.ID, job.UniqID, f))
		}
	}
}

// rotateAccountQuiet advances the account without charging the job's switch
// budget: the media itself is the problem, not the credentials.
func (d *Dispatcher) rotateAccountQuiet(job *media.Job, log logx.Logger) {
	if _, ok := d.sel.Next(job.Origin); ok {
		log.Info("account rotated for media retry")
		d.publish("account.rotated", job)
	}
}

// switchAccount records the credential-level failure, rotates the pool and
// charges one switch toward the job's deferral budget.
func (d *Dispatcher) switchAccount(job *media.Job, kind selector.FailKind, log logx.Logger) {
	count := d.sel.BumpFailure(job.Origin, kind)
	job.AccountSwitches++
	if _, ok := d.sel.Next(job.Origin); ok {
		log.Info("account switched",
			logx.String("reason", string(kind)),
			logx.Int("account_failures", count),
			logx.Int("switches", job.AccountSwitches))
		d.publish("account.rotated", job)
	}
}

func (d *Dispatcher) succeed(ctx context.Context, job *media.Job, items []media.Item, log logx.Logger) {
	if len(items) == 0 {
		d.failJob(job, msgEmpty)
		return
	}

	for _, it := range items {
		up := d.uploadJobFor(job, it)
		if up.IsEmpty() {
			d.failJob(job, msgEmpty)
			continue
		}
		d.uploader.Submit(up)
		if it.ScrollSeed != 0 {
			d.scheduleScroll(job, it.ScrollSeed, log)
		}
	}
	log.Info("download complete", logx.Int("items", len(items)))
	d.publish("job.completed", job)

	if _, err := d.ReplayFailed(ctx); err != nil {
		log.Warn("fail queue replay failed", logx.Err(err))
	}
}

func (d *Dispatcher) uploadJobFor(job *media.Job, it media.Item) *media.Job {
	over := media.Overrides{
		Type:          it.Type,
		ArtifactPath:  it.LocalPath,
		CanonicalName: it.CanonicalName,
	}
	if it.SaveItems {
		sv := true
		over.SaveItems = &sv
	}
	if it.Type == media.TypeCollection {
		subs := make([]*media.Job, 0, len(it.Items))
		for _, sub := range it.Items {
			subs = append(subs, job.ToUploadPhase(media.Overrides{
				Type:          sub.Type,
				ArtifactPath:  sub.LocalPath,
				CanonicalName: sub.CanonicalName,
			}))
		}
		over.Collection = subs
	}
	return job.ToUploadPhase(over)
}

// scheduleScroll enqueues a human-mimicking browse pass seeded by the media
// just fetched. Failure to enqueue is harmless.
func (d *Dispatcher) scheduleScroll(job *media.Job, seed int64, log logx.Logger) {
	scroll, err := media.New(media.Params{Origin: job.Origin, ScrollSeed: seed})
	if err != nil {
		return
	}
	if !d.Submit(scroll) {
		log.Debug("scroll job dropped, queue saturated")
	}
}

// ReplayFailed drains the durable fail queue and resubmits every snapshot
// verbatim: counters stay intact and the Replay flag buys the job one attempt
// past the switch-budget gate. The drain is atomic, so each snapshot replays
// at most once per call.
func (d *Dispatcher) ReplayFailed(ctx context.Context) (int, error) {
	if d.store == nil {
		return 0, nil
	}
	snaps, err := d.store.DrainFailedJobs(ctx)
	if err != nil {
		return 0, err
	}
	replayed := 0
	for _, fj := range snaps {
		var job media.Job
		if err := json.Unmarshal(fj.Payload, &job); err != nil {
			d.log.Error("discarding corrupt fail queue snapshot",
				logx.String("uniq_id", fj.UniqID), logx.Err(err))
			continue
		}
		job.Phase = media.PhaseDownload
		job.Replay = true
		if d.Submit(&job) {
			replayed++
			d.publish("job.requeued", &job)
		}
	}
	if replayed > 0 {
		d.log.Info("fail queue replayed", logx.Int("jobs", replayed))
	}
	return replayed, nil
}

func (d *Dispatcher) failJob(job *media.Job, msg string) {
	d.uploader.Submit(job.ToUploadPhase(media.Overrides{Failed: true, FailedMsg: msg}))
	d.publish("job.failed", job)
}

func (d *Dispatcher) requeue(job *media.Job, delay time.Duration) {
	d.publish("job.requeued", job)
	if delay <= 0 {
		if !d.Submit(job) {
			d.log.Warn("requeue dropped, dispatcher stopping", logx.String("job", job.ID.String()))
		}
		return
	}
	go func() {
		select {
		case <-d.stopCh:
		case <-time.After(delay):
			d.Submit(job)
		}
	}()
}

func (d *Dispatcher) publish(typ string, job *media.Job) {
	d.bus.Publish(eventbus.Event{Type: typ, Data: map[string]any{
		"id":      job.ID.String(),
		"origin":  string(job.Origin),
		"uniq_id": job.UniqID,
	}})
}
