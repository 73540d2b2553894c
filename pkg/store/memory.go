package store

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"go.peerlink.dev/core/pkg/model"
)

// Memory is the embedded Storage backend: plain maps guarded by a
// single RWMutex, with TTL approximated as an expiry timestamp checked
// on access.
type Memory struct {
	mu sync.RWMutex

	nodes    map[string]*model.Node
	sessions map[string]*model.ClientSession
	shares   map[string]*model.ShareSession
	uploads  map[string]*model.UploadState

	cancelled map[string]model.StrSet // fileID -> clientIDs

	limiters map[string]*rateEntry
	locks    map[string]*lockEntry
	counters map[string]int64
}

// rateEntry backs CheckRateLimit with a token bucket sized to refill
// max tokens every windowSecs. Within a window the budget replenishes
// smoothly; once windowEnd passes, the entry is replaced by a fresh,
// full bucket.
type rateEntry struct {
	limiter   *rate.Limiter
	windowEnd time.Time
}

type lockEntry struct {
	holder  string
	expires time.Time
}

// NewMemory returns an empty embedded Store.
func NewMemory() *Memory {
	return &Memory{
		nodes:     make(map[string]*model.Node),
		sessions:  make(map[string]*model.ClientSession),
		shares:    make(map[string]*model.ShareSession),
		uploads:   make(map[string]*model.UploadState),
		cancelled: make(map[string]model.StrSet),
		limiters:  make(map[string]*rateEntry),
		locks:     make(map[string]*lockEntry),
		counters:  make(map[string]int64),
	}
}

func (m *Memory) Close() error { return nil }

// -- Nodes --

func (m *Memory) PutNode(_ context.Context, n *model.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.nodes[n.ID] = &cp
	return nil
}

func (m *Memory) GetNode(_ context.Context, id string) (*model.Node, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, false, nil
	}
	cp := *n
	return &cp, true, nil
}

func (m *Memory) FindNodeByAddr(_ context.Context, hostname string, port int) (*model.Node, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.nodes {
		if n.Hostname == hostname && n.Port == port {
			cp := *n
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (m *Memory) ListNodes(_ context.Context) ([]*model.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

// -- Client sessions --

func (m *Memory) PutClientSession(_ context.Context, s *model.ClientSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ClientID] = &cp
	return nil
}

func (m *Memory) GetClientSession(_ context.Context, clientID string) (*model.ClientSession, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[clientID]
	if !ok {
		return nil, false, nil
	}
	cp := *s
	return &cp, true, nil
}

func (m *Memory) DeleteClientSession(_ context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, clientID)
	return nil
}

func (m *Memory) ListClientSessions(_ context.Context) ([]*model.ClientSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.ClientSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

// -- Share sessions --

func (m *Memory) PutShare(_ context.Context, s *model.ShareSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.shares[s.ShareID] = &cp
	return nil
}

func (m *Memory) GetShare(_ context.Context, shareID string) (*model.ShareSession, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.shares[shareID]
	if !ok {
		return nil, false, nil
	}
	cp := *s
	return &cp, true, nil
}

func (m *Memory) DeleteShare(_ context.Context, shareID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.shares, shareID)
	return nil
}

// -- Upload states --

func (m *Memory) SetUploadState(_ context.Context, u *model.UploadState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.uploads[u.FileID] = &cp
	return nil
}

func (m *Memory) GetUploadState(_ context.Context, fileID string) (*model.UploadState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.uploads[fileID]
	if !ok {
		return nil, false, nil
	}
	cp := *u
	return &cp, true, nil
}

func (m *Memory) DeleteUploadState(_ context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, fileID)
	delete(m.cancelled, fileID)
	return nil
}

func (m *Memory) ListUploadStates(_ context.Context) ([]*model.UploadState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.UploadState, 0, len(m.uploads))
	for _, u := range m.uploads {
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

// -- Cancelled downloads --

func (m *Memory) AddCancelledDownload(_ context.Context, fileID, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.cancelled[fileID]
	if !ok {
		set = model.NewStrSet()
		m.cancelled[fileID] = set
	}
	set.Add(clientID)
	return nil
}

func (m *Memory) IsCancelledDownload(_ context.Context, fileID, clientID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.cancelled[fileID]
	if !ok {
		return false, nil
	}
	return set.Has(clientID), nil
}

func (m *Memory) ClearCancelledDownloads(_ context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cancelled, fileID)
	return nil
}

// -- Rate limiting: a per-key token bucket refilling max tokens every
// windowSecs, replaced by a full bucket when its window ends, so a key
// gets at most the INCR+EXPIRE budget of §4.1 in a burst. --

func (m *Memory) CheckRateLimit(_ context.Context, key string, max int, windowSecs int) (RateLimitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var now = time.Now()
	var window = time.Duration(windowSecs) * time.Second
	var e = m.limiters[key]
	if e == nil || now.After(e.windowEnd) {
		e = &rateEntry{
			limiter:   rate.NewLimiter(rate.Limit(float64(max)/window.Seconds()), max),
			windowEnd: now.Add(window),
		}
		m.limiters[key] = e
	}

	var res = e.limiter.ReserveN(now, 1)
	if !res.OK() {
		return RateLimitResult{Allowed: false, Remaining: 0, ResetAt: e.windowEnd}, nil
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.Cancel()
		return RateLimitResult{Allowed: false, Remaining: 0, ResetAt: now.Add(delay)}, nil
	}

	var remaining = int(e.limiter.TokensAt(now))
	return RateLimitResult{Allowed: true, Remaining: remaining, ResetAt: e.windowEnd}, nil
}

// -- Cluster lock --

func (m *Memory) AcquireLock(_ context.Context, key, holder string, ttl time.Duration) (LockResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var now = time.Now()
	var e = m.locks[key]
	if e == nil || now.After(e.expires) {
		m.locks[key] = &lockEntry{holder: holder, expires: now.Add(ttl)}
		return LockResult{Acquired: true, Holder: holder}, nil
	}
	return LockResult{Acquired: false, Holder: e.holder}, nil
}

func (m *Memory) RefreshLock(_ context.Context, key, holder string, ttl time.Duration) (LockResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var now = time.Now()
	var e = m.locks[key]
	if e == nil || now.After(e.expires) {
		return LockResult{Acquired: false}, nil
	}
	if e.holder != holder {
		return LockResult{Acquired: false, Holder: e.holder}, nil
	}
	e.expires = now.Add(ttl)
	return LockResult{Acquired: true, Holder: holder}, nil
}

// -- Counters --

func (m *Memory) IncrCounter(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	return m.counters[key], nil
}

func (m *Memory) GetCounter(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[key], nil
}
