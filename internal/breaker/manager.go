package breaker

import "sync"

// Health is a manager-wide snapshot of breaker states (§4.6 "manager
// maintains per-key breakers and aggregates health").
type Health struct {
	Total    int
	Closed   int
	Open     int
	HalfOpen int
	States   map[string]string
}

// Manager owns one Breaker per external key, created lazily on first use.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewManager constructs a Manager; every breaker it creates uses cfg.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns (creating if necessary) the breaker for key.
func (m *Manager) Get(key string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[key]
	if !ok {
		b = New(key, m.cfg)
		m.breakers[key] = b
	}
	return b
}

// Guard is a convenience wrapper: Get(key).Guard(fn).
func (m *Manager) Guard(key string, fn func() error) error {
	return m.Get(key).Guard(fn)
}

// Reset forces every known breaker closed (used by /admin/reset).
func (m *Manager) Reset() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.breakers))
	for k := range m.breakers {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	for _, k := range keys {
		m.Get(k).Reset()
	}
}

// ResetOne forces a single breaker closed, if it exists. Returns false when
// the key has never been seen.
func (m *Manager) ResetOne(key string) bool {
	m.mu.Lock()
	b, ok := m.breakers[key]
	m.mu.Unlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Health aggregates the state of every known breaker (§4.6).
func (m *Manager) Health() Health {
	m.mu.Lock()
	keys := make([]string, 0, len(m.breakers))
	breakers := make([]*Breaker, 0, len(m.breakers))
	for k, b := range m.breakers {
		keys = append(keys, k)
		breakers = append(breakers, b)
	}
	m.mu.Unlock()

	h := Health{Total: len(keys), States: make(map[string]string, len(keys))}
	for i, k := range keys {
		st := breakers[i].State()
		h.States[k] = st.String()
		switch st {
		case Closed:
			h.Closed++
		case Open:
			h.Open++
		case HalfOpen:
			h.HalfOpen++
		}
	}
	return h
}
