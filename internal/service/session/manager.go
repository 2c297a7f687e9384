package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	cronv3 "github.com/robfig/cron/v3"

	"github.com/cgrail/mcp-express-test/internal/domain"
	"github.com/cgrail/mcp-express-test/internal/service/agent"
)

const (
	DefaultIdleTTL       = 30 * time.Minute
	DefaultSweepSchedule = "@every 1m"
)

var ErrManagerStarted = errors.New("session sweeper already started")

// Factory builds the orchestrator for a new session.
type Factory func(id string) *agent.Orchestrator

type Options struct {
	IdleTTL       time.Duration
	SweepSchedule string
	Logger        *slog.Logger
}

type entry struct {
	orch     *agent.Orchestrator
	lastUsed time.Time
}

// Manager keeps one orchestrator per session id and evicts sessions that
// stay idle longer than the configured TTL.
type Manager struct {
	factory  Factory
	idleTTL  time.Duration
	schedule cronv3.Schedule
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
	cron     *cronv3.Cron
}

func NewManager(factory Factory, opts Options) (*Manager, error) {
	if factory == nil {
		return nil, errors.New("session factory is required")
	}
	ttl := opts.IdleTTL
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	raw := strings.TrimSpace(opts.SweepSchedule)
	if raw == "" {
		raw = DefaultSweepSchedule
	}
	schedule, err := parseSchedule(raw)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factory:  factory,
		idleTTL:  ttl,
		schedule: schedule,
		logger:   logger.With("component", "sessions"),
		now:      time.Now,
		sessions: map[string]*entry{},
	}, nil
}

func parseSchedule(raw string) (cronv3.Schedule, error) {
	parser := cronv3.NewParser(cronv3.SecondOptional | cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor)
	schedule, err := parser.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid session sweep schedule %q: %w", raw, err)
	}
	return schedule, nil
}

// NewID returns a fresh session id.
func (m *Manager) NewID() string {
	return "session-" + uuid.NewString()
}

// Get returns the orchestrator for id, creating it on first use. An empty id
// selects the default session. The normalised id is returned with it.
func (m *Manager) Get(id string) (*agent.Orchestrator, string) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = domain.DefaultSessionID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		e = &entry{orch: m.factory(id)}
		m.sessions[id] = e
		m.logger.Debug("session created", "session_id", id)
	}
	e.lastUsed = m.now()
	return e.orch, id
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// IDs returns the live session ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sweep evicts sessions idle for longer than the TTL. A session with a turn
// in flight is never evicted. It returns the number removed.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.idleTTL)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, e := range m.sessions {
		if e.lastUsed.After(cutoff) || e.orch.Busy() {
			continue
		}
		delete(m.sessions, id)
		removed++
	}
	if removed > 0 {
		m.logger.Info("idle sessions evicted", "count", removed, "remaining", len(m.sessions))
	}
	return removed
}

// Start runs Sweep on the configured schedule until Stop.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return ErrManagerStarted
	}
	c := cronv3.New()
	c.Schedule(m.schedule, cronv3.FuncJob(func() { m.Sweep() }))
	c.Start()
	m.cron = c
	return nil
}

// Stop halts the sweeper and waits for a running sweep to finish or ctx to
// end.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
