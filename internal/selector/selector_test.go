package selector

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"mediarelay/internal/media"
	"mediarelay/internal/storage"
	logx "mediarelay/pkg/logx"
)

// memStore implements just enough of storage.Store for selector persistence.
type memStore struct {
	mu    sync.Mutex
	state map[string][]byte
}

func newMemStore() *memStore { return &memStore{state: map[string][]byte{}} }

func (m *memStore) GetState(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.state[key]
	return v, ok, nil
}

func (m *memStore) PutState(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[key] = append([]byte(nil), value...)
	return nil
}

func (m *memStore) LookupMedia(context.Context, string) ([]storage.CacheEntry, error) {
	return nil, nil
}
func (m *memStore) SaveMedia(context.Context, []storage.CacheEntry) (bool, error) {
	return false, nil
}
func (m *memStore) RandomMedia(context.Context) (storage.CacheEntry, bool, error) {
	return storage.CacheEntry{}, false, nil
}
func (m *memStore) StoreFailedJob(context.Context, storage.FailedJob) error { return nil }
func (m *memStore) DrainFailedJobs(context.Context) ([]storage.FailedJob, error) {
	return nil, nil
}
func (m *memStore) Close() error { return nil }

func writeJSON(t *testing.T, dir, name string, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", name, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func newTestSelector(t *testing.T, store storage.Store, accounts map[string][]Account, proxies []Proxy, budget int) *Selector {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		AccountsFile:  writeJSON(t, dir, "accounts.json", accounts),
		RequestBudget: budget,
	}
	if proxies != nil {
		cfg.ProxiesFile = writeJSON(t, dir, "proxies.json", proxies)
	}
	s, err := New(cfg, store, logx.Nop())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return s
}

func TestRotationSkipsDisabled(t *testing.T) {
	t.Parallel()
	s := newTestSelector(t, nil, map[string][]Account{
		"instagram": {
			{Login: "a"},
			{Login: "b", Disabled: true},
			{Login: "c"},
		},
	}, nil, 0)

	idx, acc, ok := s.Current(media.OriginInstagram)
	if !ok || idx != 0 || acc.Login != "a" {
		t.Fatalf("Current = %d %q %v", idx, acc.Login, ok)
	}

	next, ok := s.Next(media.OriginInstagram)
	if !ok || next.Login != "c" {
		t.Fatalf("Next skipped to %q, want c", next.Login)
	}
	next, _ = s.Next(media.OriginInstagram)
	if next.Login != "a" {
		t.Fatalf("rotation did not wrap: %q", next.Login)
	}
}

func TestRequestBudgetRotation(t *testing.T) {
	t.Parallel()
	s := newTestSelector(t, nil, map[string][]Account{
		"instagram": {{Login: "a"}, {Login: "b"}},
	}, nil, 3)

	if s.RequestBudgetExceeded(media.OriginInstagram) {
		t.Fatal("fresh account must not be over budget")
	}
	s.IncRequests(media.OriginInstagram, 3)
	if !s.RequestBudgetExceeded(media.OriginInstagram) {
		t.Fatal("budget should be exhausted after 3 requests")
	}

	// Rotating resets the counter.
	if _, ok := s.Next(media.OriginInstagram); !ok {
		t.Fatal("Next failed")
	}
	if s.RequestBudgetExceeded(media.OriginInstagram) {
		t.Fatal("rotation must reset the request counter")
	}
}

func TestFailureCountersTrackActiveAccount(t *testing.T) {
	t.Parallel()
	s := newTestSelector(t, nil, map[string][]Account{
		"instagram": {{Login: "a"}, {Login: "b"}},
	}, nil, 0)

	if got := s.BumpFailure(media.OriginInstagram, FailRateLimit); got != 1 {
		t.Fatalf("BumpFailure = %d, want 1", got)
	}
	if got := s.FailureCount(media.OriginInstagram, FailRateLimit); got != 1 {
		t.Fatalf("FailureCount = %d, want 1", got)
	}

	// Counters describe whoever is active now, not a fixed account.
	s.Next(media.OriginInstagram)
	if got := s.FailureCount(media.OriginInstagram, FailRateLimit); got != 0 {
		t.Fatalf("FailureCount after rotation = %d, want 0", got)
	}
	s.Next(media.OriginInstagram)
	if got := s.FailureCount(media.OriginInstagram, FailRateLimit); got != 1 {
		t.Fatalf("FailureCount after wrap = %d, want 1", got)
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	accounts := map[string][]Account{
		"instagram": {{Login: "a"}, {Login: "b"}, {Login: "c"}},
	}

	dir := t.TempDir()
	cfg := Config{AccountsFile: writeJSON(t, dir, "accounts.json", accounts)}

	s1, err := New(cfg, store, logx.Nop())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	s1.Next(media.OriginInstagram)
	s1.BumpFailure(media.OriginInstagram, FailCaptcha)
	session := s1.SessionID(media.OriginInstagram)
	if session == "" {
		t.Fatal("session id must be assigned")
	}

	s2, err := New(cfg, store, logx.Nop())
	if err != nil {
		t.Fatalf("restart New error: %v", err)
	}
	idx, acc, ok := s2.Current(media.OriginInstagram)
	if !ok || idx != 1 || acc.Login != "b" {
		t.Fatalf("restored index = %d (%q), want 1 (b)", idx, acc.Login)
	}
	if got := s2.FailureCount(media.OriginInstagram, FailCaptcha); got != 1 {
		t.Fatalf("restored captcha count = %d, want 1", got)
	}
	if s2.SessionID(media.OriginInstagram) != session {
		t.Fatal("session id must survive restart")
	}
}

func TestRestoreClampsShrunkenPool(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	dir := t.TempDir()

	big := map[string][]Account{"instagram": {{Login: "a"}, {Login: "b"}, {Login: "c"}}}
	cfg := Config{AccountsFile: writeJSON(t, dir, "accounts.json", big)}
	s1, err := New(cfg, store, logx.Nop())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	s1.Next(media.OriginInstagram)
	s1.Next(media.OriginInstagram) // index 2

	small := map[string][]Account{"instagram": {{Login: "a"}}}
	cfg2 := Config{AccountsFile: writeJSON(t, dir, "accounts2.json", small)}
	s2, err := New(cfg2, store, logx.Nop())
	if err != nil {
		t.Fatalf("New after shrink error: %v", err)
	}
	idx, acc, ok := s2.Current(media.OriginInstagram)
	if !ok || idx != 0 || acc.Login != "a" {
		t.Fatalf("index not clamped: %d %q %v", idx, acc.Login, ok)
	}
}

func TestProxyAffinityAndAvoidance(t *testing.T) {
	t.Parallel()
	proxies := []Proxy{
		{ID: "p1", URL: "socks5://p1"},
		{ID: "p2", URL: "socks5://p2"},
		{ID: "p3", URL: "socks5://p3"},
	}
	s := newTestSelector(t, nil, map[string][]Account{
		"instagram": {{Login: "a"}},
	}, proxies, 0)

	first, ok := s.CurrentProxy(media.OriginInstagram)
	if !ok {
		t.Fatal("expected a proxy")
	}
	s.MarkProxyUsed(first)

	// With alternatives available, the last-used proxy is not handed out again.
	second, ok := s.CurrentProxy(media.OriginInstagram)
	if !ok {
		t.Fatal("expected a proxy")
	}
	if second.ID == first.ID {
		t.Fatalf("last-used proxy %q reselected", first.ID)
	}

	next, ok := s.NextProxy(media.OriginInstagram)
	if !ok {
		t.Fatal("NextProxy failed")
	}
	if next.ID == second.ID {
		t.Fatalf("NextProxy returned the abandoned proxy %q", second.ID)
	}
}

func TestProxyAffinityPinsAccount(t *testing.T) {
	t.Parallel()
	proxies := []Proxy{
		{ID: "p1", URL: "socks5://p1"},
		{ID: "p2", URL: "socks5://p2"},
	}
	s := newTestSelector(t, nil, map[string][]Account{
		"instagram": {{Login: "a", ProxyID: "p2"}},
	}, proxies, 0)

	p, ok := s.CurrentProxy(media.OriginInstagram)
	if !ok || p.ID != "p2" {
		t.Fatalf("affinity ignored: got %q", p.ID)
	}
	// Rotation inside a single-proxy affinity set stays put.
	p, ok = s.NextProxy(media.OriginInstagram)
	if !ok || p.ID != "p2" {
		t.Fatalf("affinity lost on NextProxy: got %q", p.ID)
	}
}

func TestReloadSwapsPools(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := Config{AccountsFile: writeJSON(t, dir, "accounts.json",
		map[string][]Account{"instagram": {{Login: "a"}}})}
	s, err := New(cfg, nil, logx.Nop())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if got := s.CountAccounts(media.OriginInstagram); got != 1 {
		t.Fatalf("CountAccounts = %d", got)
	}

	cfg2 := Config{AccountsFile: writeJSON(t, dir, "accounts2.json",
		map[string][]Account{"instagram": {{Login: "a"}, {Login: "b"}}})}
	if err := s.Reload(cfg2); err != nil {
		t.Fatalf("Reload error: %v", err)
	}
	if got := s.CountAccounts(media.OriginInstagram); got != 2 {
		t.Fatalf("CountAccounts after reload = %d", got)
	}
}
