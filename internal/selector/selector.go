package selector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"mediarelay/internal/media"
	"mediarelay/internal/storage"
	logx "mediarelay/pkg/logx"
)

// stateKey is where the selector persists itself in the store.
const stateKey = "selector"

// Account is one credential entry from the accounts file.
type Account struct {
	Login       string            `json:"login"`
	Password    string            `json:"password,omitempty"`
	SessionFile string            `json:"session_file,omitempty"`
	ProxyID     string            `json:"proxy_id,omitempty"`
	Disabled    bool              `json:"disabled,omitempty"`
	Auth        map[string]string `json:"auth,omitempty"`
}

// Proxy is one connection descriptor from the proxies file. ID matches
// Account.ProxyID for affinity.
type Proxy struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	IPv6 bool   `json:"ipv6,omitempty"`
}

// FailKind names a per-account health counter.
type FailKind string

const (
	FailAuth      FailKind = "auth_fails"
	FailRateLimit FailKind = "rate_limits"
	FailCaptcha   FailKind = "captcha"
)

type Config struct {
	AccountsFile string
	ProxiesFile  string

	// RequestBudget rotates the active account proactively after this many
	// requests, before the platform notices. 0 disables budget rotation.
	RequestBudget int
}

type health struct {
	AuthFails  int `json:"auth_fails"`
	RateLimits int `json:"rate_limits"`
	Captcha    int `json:"captcha"`
}

type poolState struct {
	Index     int      `json:"index"`
	Requests  int      `json:"requests"`
	Health    []health `json:"health"`
	SessionID string   `json:"session_id"`
}

type persisted struct {
	Pools       map[string]*poolState `json:"pools"`
	ProxyIndex  int                   `json:"proxy_index"`
	LastProxyID string                `json:"last_proxy_id"`
}

// Selector owns the per-origin account and proxy pools: rotation, health
// counters, request budgets and the proxy affinity/avoidance rules.
//
// All mutation happens behind one mutex because download workers run
// concurrently and must observe a consistent rotation index. State that
// matters for restart safety (indexes, counters, session ids, last proxy)
// is flushed to the store on every mutating call: restarting the identity
// mid-rotation is itself a signal the remote service can detect.
type Selector struct {
	mu    sync.Mutex
	log   logx.Logger
	store storage.Store
	cfg   Config

	accounts map[string][]Account // by pool key
	proxies  []Proxy
	state    persisted
}

func New(cfg Config, store storage.Store, log logx.Logger) (*Selector, error) {
	s := &Selector{
		log:   log,
		store: store,
		cfg:   cfg,
		state: persisted{Pools: map[string]*poolState{}},
	}

	accounts, err := loadAccountsFile(cfg.AccountsFile)
	if err != nil {
		return nil, err
	}
	var proxies []Proxy
	if cfg.ProxiesFile != "" {
		proxies, err = loadProxiesFile(cfg.ProxiesFile)
		if err != nil {
			return nil, err
		}
	}
	s.accounts = accounts
	s.proxies = proxies

	s.restore()
	s.syncPools()
	s.persistLocked()
	return s, nil
}

func loadAccountsFile(path string) (map[string][]Account, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("accounts file: %w", err)
	}
	var m map[string][]Account
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("accounts file %s: %w", path, err)
	}
	return m, nil
}

func loadProxiesFile(path string) ([]Proxy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("proxies file: %w", err)
	}
	var p []Proxy
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("proxies file %s: %w", path, err)
	}
	return p, nil
}

func (s *Selector) restore() {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	b, ok, err := s.store.GetState(ctx, stateKey)
	if err != nil {
		s.log.Warn("selector state restore failed", logx.Err(err))
		return
	}
	if !ok {
		return
	}
	var st persisted
	if err := json.Unmarshal(b, &st); err != nil {
		s.log.Warn("selector state corrupt, starting fresh", logx.Err(err))
		return
	}
	if st.Pools == nil {
		st.Pools = map[string]*poolState{}
	}
	s.state = st
}

// syncPools reconciles restored state with the (possibly changed) pool files:
// clamps indexes, sizes health slices, assigns session ids.
func (s *Selector) syncPools() {
	for key, accs := range s.accounts {
		ps := s.state.Pools[key]
		if ps == nil {
			ps = &poolState{}
			s.state.Pools[key] = ps
		}
		if len(accs) == 0 {
			ps.Index = 0
		} else if ps.Index < 0 || ps.Index >= len(accs) {
			ps.Index = 0
		}
		for len(ps.Health) < len(accs) {
			ps.Health = append(ps.Health, health{})
		}
		ps.Health = ps.Health[:len(accs)]
		if ps.SessionID == "" {
			ps.SessionID = uuid.NewString()
		}
	}
}

func (s *Selector) persistLocked() {
	if s.store == nil {
		return
	}
	b, err := json.Marshal(s.state)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.store.PutState(ctx, stateKey, b); err != nil {
		s.log.Warn("selector state persist failed", logx.Err(err))
	}
}

func (s *Selector) pool(origin media.Origin) (string, []Account, *poolState) {
	key := origin.PoolKey()
	accs := s.accounts[key]
	ps := s.state.Pools[key]
	if ps == nil {
		ps = &poolState{}
		s.state.Pools[key] = ps
		for range accs {
			ps.Health = append(ps.Health, health{})
		}
		ps.SessionID = uuid.NewString()
	}
	return key, accs, ps
}

// Current returns the active account index and record for the origin's pool.
func (s *Selector) Current(origin media.Origin) (int, Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, accs, ps := s.pool(origin)
	if len(accs) == 0 {
		return 0, Account{}, false
	}
	return ps.Index, accs[ps.Index], true
}

// Next rotates to the next enabled account in the pool, resets the request
// budget counter and persists the new index.
func (s *Selector) Next(origin media.Origin) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, accs, ps := s.pool(origin)
	if len(accs) == 0 {
		return Account{}, false
	}
	for i := 0; i < len(accs); i++ {
		ps.Index++
		if ps.Index >= len(accs) {
			ps.Index = 0
		}
		if !accs[ps.Index].Disabled {
			break
		}
	}
	ps.Requests = 0
	s.persistLocked()
	s.log.Info("account rotated", logx.String("pool", key), logx.Int("index", ps.Index))
	return accs[ps.Index], true
}

// BumpFailure increments the named health counter of the currently active
// account and returns its new value.
func (s *Selector) BumpFailure(origin media.Origin, kind FailKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, accs, ps := s.pool(origin)
	if len(accs) == 0 || ps.Index >= len(ps.Health) {
		return 0
	}
	h := &ps.Health[ps.Index]
	var v int
	switch kind {
	case FailAuth:
		h.AuthFails++
		v = h.AuthFails
	case FailRateLimit:
		h.RateLimits++
		v = h.RateLimits
	case FailCaptcha:
		h.Captcha++
		v = h.Captcha
	}
	s.persistLocked()
	return v
}

// FailureCount reads a health counter of the currently active account.
func (s *Selector) FailureCount(origin media.Origin, kind FailKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, accs, ps := s.pool(origin)
	if len(accs) == 0 || ps.Index >= len(ps.Health) {
		return 0
	}
	h := ps.Health[ps.Index]
	switch kind {
	case FailAuth:
		return h.AuthFails
	case FailRateLimit:
		return h.RateLimits
	case FailCaptcha:
		return h.Captcha
	}
	return 0
}

// CountAccounts reports the number of configured accounts for the origin's
// pool; it bounds every account-rotation retry loop.
func (s *Selector) CountAccounts(origin media.Origin) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts[origin.PoolKey()])
}

// CountProxies reports the size of the proxy pool; it bounds proxy-rotation
// retries.
func (s *Selector) CountProxies() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.proxies)
}

// SessionID returns the stable session identifier for the origin's pool.
// It survives restarts so the remote service sees one continuous identity.
func (s *Selector) SessionID(origin media.Origin) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _, ps := s.pool(origin)
	return ps.SessionID
}

// IncRequests adds n to the active pool's request counter.
func (s *Selector) IncRequests(origin media.Origin, n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _, ps := s.pool(origin)
	ps.Requests += n
	s.persistLocked()
}

// RequestBudgetExceeded reports whether the active account served more
// requests than the configured budget, signaling a proactive rotation
// before the platform reacts with a hard failure.
func (s *Selector) RequestBudgetExceeded(origin media.Origin) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.RequestBudget <= 0 {
		return false
	}
	_, _, ps := s.pool(origin)
	return ps.Requests >= s.cfg.RequestBudget
}

// CurrentProxy selects a proxy for the origin's active account: only proxies
// whose ID matches the account's affinity key are considered (all of them if
// the account has no affinity), and the proxy remembered as last-used is
// avoided when an alternative exists.
func (s *Selector) CurrentProxy(origin media.Origin) (Proxy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectProxyLocked(origin)
}

func (s *Selector) selectProxyLocked(origin media.Origin) (Proxy, bool) {
	cands := s.candidateProxiesLocked(origin)
	if len(cands) == 0 {
		return Proxy{}, false
	}
	p := cands[s.state.ProxyIndex%len(cands)]
	if p.ID == s.state.LastProxyID && len(cands) > 1 {
		p = cands[(s.state.ProxyIndex+1)%len(cands)]
	}
	return p, true
}

func (s *Selector) candidateProxiesLocked(origin media.Origin) []Proxy {
	_, accs, ps := s.pool(origin)
	affinity := ""
	if len(accs) > 0 {
		affinity = accs[ps.Index].ProxyID
	}
	if affinity == "" {
		return s.proxies
	}
	var cands []Proxy
	for _, p := range s.proxies {
		if p.ID == affinity {
			cands = append(cands, p)
		}
	}
	if len(cands) == 0 {
		return s.proxies
	}
	return cands
}

// NextProxy advances the proxy rotation (same account), remembers the proxy
// being abandoned as last-used and persists the new position.
func (s *Selector) NextProxy(origin media.Origin) (Proxy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.selectProxyLocked(origin); ok {
		s.state.LastProxyID = prev.ID
	}
	s.state.ProxyIndex++
	s.persistLocked()
	return s.selectProxyLocked(origin)
}

// MarkProxyUsed records the proxy that served the latest successful request
// so the next selection can avoid immediately reusing it after a
// captcha/rate-limit event.
func (s *Selector) MarkProxyUsed(p Proxy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastProxyID = p.ID
	s.persistLocked()
}

// Reload swaps in freshly parsed pool files, reconciling rotation state.
// Used by the config watcher so account changes don't require a restart.
func (s *Selector) Reload(cfg Config) error {
	accounts, err := loadAccountsFile(cfg.AccountsFile)
	if err != nil {
		return err
	}
	var proxies []Proxy
	if cfg.ProxiesFile != "" {
		proxies, err = loadProxiesFile(cfg.ProxiesFile)
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = accounts
	s.proxies = proxies
	s.cfg = cfg
	s.syncPools()
	s.persistLocked()
	s.log.Info("selector pools reloaded")
	return nil
}
