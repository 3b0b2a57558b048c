package uploader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"mediarelay/internal/media"
	"mediarelay/internal/storage"
	logx "mediarelay/pkg/logx"
)

type fakeStore struct {
	mu    sync.Mutex
	cache map[string][]storage.CacheEntry
	saved [][]storage.CacheEntry
}

func newFakeStore() *fakeStore { return &fakeStore{cache: map[string][]storage.CacheEntry{}} }

func (f *fakeStore) LookupMedia(_ context.Context, uniqID string) ([]storage.CacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cache[uniqID], nil
}

func (f *fakeStore) SaveMedia(_ context.Context, entries []storage.CacheEntry) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, entries)
	if len(entries) == 0 {
		return false, nil
	}
	if _, ok := f.cache[entries[0].UniqID]; ok {
		return false, nil
	}
	f.cache[entries[0].UniqID] = entries
	return true, nil
}

func (f *fakeStore) RandomMedia(context.Context) (storage.CacheEntry, bool, error) {
	return storage.CacheEntry{}, false, nil
}
func (f *fakeStore) StoreFailedJob(context.Context, storage.FailedJob) error { return nil }
func (f *fakeStore) DrainFailedJobs(context.Context) ([]storage.FailedJob, error) {
	return nil, nil
}
func (f *fakeStore) GetState(context.Context, string) ([]byte, bool, error) {
	return nil, false, nil
}
func (f *fakeStore) PutState(context.Context, string, []byte) error { return nil }
func (f *fakeStore) Close() error                                   { return nil }

type fakeDeliverer struct {
	mu   sync.Mutex
	jobs []*media.Job
	refs []string
	err  error
}

func (f *fakeDeliverer) Deliver(_ context.Context, job *media.Job) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	if f.err != nil {
		return nil, f.err
	}
	if f.refs != nil {
		return f.refs, nil
	}
	return []string{"ref-1"}, nil
}

type fakeDownloader struct {
	mu   sync.Mutex
	jobs []*media.Job
}

func (f *fakeDownloader) Submit(job *media.Job) bool {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()
	return true
}

type callbackRecorder struct {
	mu   sync.Mutex
	jobs []*media.Job
}

func (r *callbackRecorder) fn(_ context.Context, job *media.Job) error {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
	return nil
}

func (r *callbackRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func newTestUploader(t *testing.T, store *fakeStore, del *fakeDeliverer) *Uploader {
	t.Helper()
	return New(Config{}, Deps{Store: store, Deliverer: del}, logx.Nop())
}

func uploadJob(t *testing.T, over media.Overrides) *media.Job {
	t.Helper()
	j, err := media.New(media.Params{
		URL:       "https://www.instagram.com/reel/abc/",
		ChatID:    10,
		MessageID: 20,
		SaveItems: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return j.ToUploadPhase(over)
}

func TestDeliverySavesCacheAndNotifies(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	del := &fakeDeliverer{refs: []string{"file-9"}}
	u := newTestUploader(t, store, del)

	rec := &callbackRecorder{}
	u.RegisterCallback(20, rec.fn)

	path := filepath.Join(t.TempDir(), "v.mp4")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	job := uploadJob(t, media.Overrides{Type: media.TypeVideo, ArtifactPath: path})

	u.process(context.Background(), job)

	if len(del.jobs) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(del.jobs))
	}
	entries, _ := store.LookupMedia(context.Background(), job.UniqID)
	if len(entries) != 1 || entries[0].ArtifactRef != "file-9" {
		t.Fatalf("cache entries = %+v", entries)
	}
	if rec.count() != 1 {
		t.Fatalf("callbacks = %d, want 1", rec.count())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("local artifact must be cleaned up after delivery")
	}
	// Terminal callback is deregistered; the in-flight marker is released.
	if _, busy := u.inflight[job.UniqID]; busy {
		t.Fatal("in-flight marker leaked")
	}
	if _, ok := u.callbacks[20]; ok {
		t.Fatal("terminal callback not deregistered")
	}
}

func TestFailedJobInvokesCallbackOnlyWithMessage(t *testing.T) {
	t.Parallel()
	u := newTestUploader(t, newFakeStore(), &fakeDeliverer{})
	rec := &callbackRecorder{}
	u.RegisterCallback(20, rec.fn)

	silent := uploadJob(t, media.Overrides{Failed: true})
	u.process(context.Background(), silent)
	if rec.count() != 0 {
		t.Fatal("failure without a message must stay silent")
	}

	loud := uploadJob(t, media.Overrides{Failed: true, FailedMsg: "nope"})
	u.process(context.Background(), loud)
	if rec.count() != 1 {
		t.Fatalf("callbacks = %d, want 1", rec.count())
	}
	if !rec.jobs[0].Failed || rec.jobs[0].FailedMsg != "nope" {
		t.Fatalf("callback job = %+v", rec.jobs[0])
	}
}

func TestWarningKeepsCallbackRegistered(t *testing.T) {
	t.Parallel()
	u := newTestUploader(t, newFakeStore(), &fakeDeliverer{})
	rec := &callbackRecorder{}
	u.RegisterCallback(20, rec.fn)

	warn := uploadJob(t, media.Overrides{Warning: true, WarningMsg: "delayed"})
	u.process(context.Background(), warn)
	if rec.count() != 1 {
		t.Fatalf("callbacks = %d, want 1", rec.count())
	}
	// The job is still parked in the fail queue; a later replay must find
	// the callback intact.
	if _, ok := u.callbacks[20]; !ok {
		t.Fatal("warning must not deregister the callback")
	}
}

func TestReplayBouncesToDownloader(t *testing.T) {
	t.Parallel()
	u := newTestUploader(t, newFakeStore(), &fakeDeliverer{})
	dl := &fakeDownloader{}
	u.SetDownloader(dl)

	job := uploadJob(t, media.Overrides{Replay: true})
	u.process(context.Background(), job)

	if len(dl.jobs) != 1 {
		t.Fatalf("replays = %d, want 1", len(dl.jobs))
	}
	got := dl.jobs[0]
	if got.Phase != media.PhaseDownload {
		t.Fatalf("replayed phase = %q", got.Phase)
	}
	if got.Replay {
		t.Fatal("replay flag must reset on the way down")
	}
}

func TestInProcessServedFromCache(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	u := newTestUploader(t, store, &fakeDeliverer{})
	rec := &callbackRecorder{}
	u.RegisterCallback(20, rec.fn)

	job := uploadJob(t, media.Overrides{InProcess: true})
	store.cache[job.UniqID] = []storage.CacheEntry{
		{UniqID: job.UniqID, MediaType: "video", ArtifactRef: "f1", CanonicalName: "clip"},
		{UniqID: job.UniqID, MediaType: "image", ArtifactRef: "f2"},
	}

	u.process(context.Background(), job)

	if rec.count() != 1 {
		t.Fatalf("callbacks = %d, want 1", rec.count())
	}
	got := rec.jobs[0]
	if got.ArtifactRef != "f1,f2" {
		t.Fatalf("ArtifactRef = %q", got.ArtifactRef)
	}
	if got.Type != media.TypeCollection {
		t.Fatalf("Type = %q, multiple refs must read as a collection", got.Type)
	}
	if got.CanonicalName != "clip" {
		t.Fatalf("CanonicalName = %q", got.CanonicalName)
	}
}

func TestInProcessSingleEntryKeepsMediaType(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	u := newTestUploader(t, store, &fakeDeliverer{})
	rec := &callbackRecorder{}
	u.RegisterCallback(20, rec.fn)

	job := uploadJob(t, media.Overrides{InProcess: true})
	store.cache[job.UniqID] = []storage.CacheEntry{
		{UniqID: job.UniqID, MediaType: "audio", ArtifactRef: "f1"},
	}

	u.process(context.Background(), job)

	if rec.count() != 1 || rec.jobs[0].Type != media.TypeAudio {
		t.Fatalf("callback job = %+v", rec.jobs)
	}
}

func TestConcurrentDuplicateFallsBackToCachePath(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	u := newTestUploader(t, store, &fakeDeliverer{})
	rec := &callbackRecorder{}
	u.RegisterCallback(20, rec.fn)

	job := uploadJob(t, media.Overrides{Type: media.TypeVideo, ArtifactPath: "/nonexistent"})

	// Simulate another worker mid-delivery of the same media whose cache
	// write already landed.
	if !u.markInFlight(job.UniqID) {
		t.Fatal("marker unexpectedly held")
	}
	store.cache[job.UniqID] = []storage.CacheEntry{
		{UniqID: job.UniqID, MediaType: "video", ArtifactRef: "f1"},
	}

	u.process(context.Background(), job)

	if rec.count() != 1 || rec.jobs[0].ArtifactRef != "f1" {
		t.Fatalf("duplicate not served from cache: %+v", rec.jobs)
	}
	// The local file was cleaned up by the delivering worker; a stale path
	// here would make the transport send from a deleted file.
	if rec.jobs[0].ArtifactPath != "" {
		t.Fatalf("ArtifactPath = %q, cache-served jobs must go by reference", rec.jobs[0].ArtifactPath)
	}
	// The original holder still owns the marker.
	if _, busy := u.inflight[job.UniqID]; !busy {
		t.Fatal("duplicate path must not release the original marker")
	}
}

func TestDeliveryCachedEvenWithoutSaveItems(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	u := newTestUploader(t, store, &fakeDeliverer{})

	noSave := false
	job := uploadJob(t, media.Overrides{
		Type:         media.TypeVideo,
		ArtifactPath: "/nonexistent",
		SaveItems:    &noSave,
	})
	u.process(context.Background(), job)

	// Without the cache row, in-process duplicates of this media would poll
	// the cache forever.
	entries, _ := store.LookupMedia(context.Background(), job.UniqID)
	if len(entries) != 1 || entries[0].ArtifactRef != "ref-1" {
		t.Fatalf("cache entries = %+v, delivery must always be recorded", entries)
	}
}

func TestCollectionSingleRowWithoutSaveItems(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	del := &fakeDeliverer{refs: []string{"r1", "r2"}}
	u := newTestUploader(t, store, del)

	noSave := false
	base := uploadJob(t, media.Overrides{SaveItems: &noSave})
	sub1 := base.ToUploadPhase(media.Overrides{Type: media.TypeVideo, ArtifactPath: "/tmp/1.mp4"})
	sub2 := base.ToUploadPhase(media.Overrides{Type: media.TypeImage, ArtifactPath: "/tmp/2.jpg"})
	job := base.ToUploadPhase(media.Overrides{Type: media.TypeCollection, Collection: []*media.Job{sub1, sub2}})

	u.process(context.Background(), job)

	entries, _ := store.LookupMedia(context.Background(), job.UniqID)
	if len(entries) != 1 {
		t.Fatalf("cache entries = %d, want one combined row", len(entries))
	}
	if entries[0].MediaType != "collection" || entries[0].ArtifactRef != "r1,r2" {
		t.Fatalf("combined row = %+v", entries[0])
	}
}

func TestCollectionCacheEntriesPerSubItem(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	del := &fakeDeliverer{refs: []string{"r1", "r2"}}
	u := newTestUploader(t, store, del)

	base := uploadJob(t, media.Overrides{})
	sub1 := base.ToUploadPhase(media.Overrides{Type: media.TypeVideo, ArtifactPath: "/tmp/1.mp4"})
	sub2 := base.ToUploadPhase(media.Overrides{Type: media.TypeImage, ArtifactPath: "/tmp/2.jpg"})
	job := base.ToUploadPhase(media.Overrides{Type: media.TypeCollection, Collection: []*media.Job{sub1, sub2}})

	u.process(context.Background(), job)

	entries, _ := store.LookupMedia(context.Background(), job.UniqID)
	if len(entries) != 2 {
		t.Fatalf("cache entries = %d, want 2", len(entries))
	}
	if entries[0].ArtifactRef != "r1" || entries[1].ArtifactRef != "r2" {
		t.Fatalf("refs not aligned with sub-items: %+v", entries)
	}
	if entries[0].MediaType != "video" || entries[1].MediaType != "image" {
		t.Fatalf("media types lost: %+v", entries)
	}
}

func TestDeliveryErrorReportsFailure(t *testing.T) {
	t.Parallel()
	del := &fakeDeliverer{err: errors.New("chat not found")}
	u := newTestUploader(t, newFakeStore(), del)
	rec := &callbackRecorder{}
	u.RegisterCallback(20, rec.fn)

	job := uploadJob(t, media.Overrides{Type: media.TypeVideo, ArtifactPath: "/nonexistent"})
	u.process(context.Background(), job)

	if rec.count() != 1 || !rec.jobs[0].Failed {
		t.Fatalf("callback job = %+v", rec.jobs)
	}
	if _, busy := u.inflight[job.UniqID]; busy {
		t.Fatal("in-flight marker leaked after delivery error")
	}
}

func TestAdminNoticeRoutedToNotifier(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var texts []string
	u := New(Config{}, Deps{
		Store:     newFakeStore(),
		Deliverer: &fakeDeliverer{},
		Notifier: notifierFunc(func(text string) {
			mu.Lock()
			texts = append(texts, text)
			mu.Unlock()
		}),
	}, logx.Nop())

	j, err := media.New(media.Params{AdminNotice: true, NoticeText: "disk almost full"})
	if err != nil {
		t.Fatal(err)
	}
	u.process(context.Background(), j.ToUploadPhase(media.Overrides{}))

	mu.Lock()
	defer mu.Unlock()
	if len(texts) != 1 || texts[0] != "disk almost full" {
		t.Fatalf("notices = %v", texts)
	}
}

type notifierFunc func(text string)

func (f notifierFunc) Notify(text string) { f(text) }
