package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/aevon-lab/queuewatch/internal/core/storage/redis"
	"github.com/aevon-lab/queuewatch/internal/jobevents"
	"github.com/aevon-lab/queuewatch/internal/metrics"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ErrRuleNotFound is returned for an unknown rule id.
var ErrRuleNotFound = errors.New("rules: rule not found")

const defaultPersistTimeout = 5 * time.Second

// Owner reports whether this process holds the write lock.
type Owner interface {
	IsOwner() bool
}

// AlertHandler receives every persisted alert. Notification delivery hangs off this hook.
type AlertHandler func(redis.Alert)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Host  string
	Queue string
	// Owner gates alert emission; nil means always emit.
	Owner          Owner
	PersistTimeout time.Duration
	Clock          clockwork.Clock
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// Manager owns the rule instances of one queue. It evaluates every finished job against the
// active rules, persists their alerts and fans them out to handlers.
type Manager struct {
	store  *redis.RuleStore
	alerts *redis.AlertStore
	opts   ManagerOptions

	// rule locks are taken after mu is released, never inside it
	mu    sync.RWMutex
	rules map[string]*Rule
	order []string

	handlersMu sync.RWMutex
	handlers   []AlertHandler

	alertMu       sync.Mutex
	lastTriggered map[string]string
}

// alertState is stored with each alert.
type alertState struct {
	State  State `json:"state"`
	Alerts int   `json:"alerts"`
	Level  Level `json:"level"`
}

func NewManager(store *redis.RuleStore, alerts *redis.AlertStore, opts ManagerOptions) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = defaultPersistTimeout
	}
	return &Manager{
		store:         store,
		alerts:        alerts,
		opts:          opts,
		rules:         make(map[string]*Rule),
		lastTriggered: make(map[string]string),
	}
}

// OnAlert registers h. Handlers run in registration order.
func (m *Manager) OnAlert(h AlertHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Attach subscribes the manager to finished jobs on bus and returns the unsubscribe func.
func (m *Manager) Attach(bus *jobevents.Bus) func() {
	return bus.OnFinished(m.OnFinished)
}

// Seed stores seed definitions of this queue that are missing, and rewrites stored seeds
// whose file changed. Instances are built by Load.
func (m *Manager) Seed(ctx context.Context, seeds []Definition) error {
	for _, def := range seeds {
		if def.Queue != m.opts.Queue {
			continue
		}
		existing, err := m.Get(ctx, def.ID)
		switch {
		case errors.Is(err, ErrRuleNotFound):
			now := m.opts.Clock.Now()
			def.CreatedAt, def.UpdatedAt = now, now
			if err := m.put(ctx, def, true); err != nil && !errors.Is(err, redis.ErrRuleExists) {
				return err
			}
			m.opts.Logger.Info("seeded rule", zap.String("rule", def.Name), zap.String("id", def.ID))
		case err != nil:
			return err
		case existing.Fingerprint != def.Fingerprint:
			def.CreatedAt, def.UpdatedAt = existing.CreatedAt, m.opts.Clock.Now()
			if err := m.put(ctx, def, false); err != nil {
				return err
			}
			m.opts.Logger.Info("reseeded changed rule", zap.String("rule", def.Name), zap.String("id", def.ID))
		}
	}
	return nil
}

// Load replaces the running instances with the active rules in the store.
func (m *Manager) Load(ctx context.Context) error {
	defs, err := m.List(ctx)
	if err != nil {
		return err
	}
	m.Close()
	for _, def := range defs {
		if !def.Active {
			continue
		}
		if err := m.install(def); err != nil {
			// a stored rule that no longer validates must not block the others
			m.opts.Logger.Error("skipping invalid rule", zap.String("id", def.ID), zap.Error(err))
		}
	}
	m.opts.Logger.Info("rules loaded", zap.String("queue", m.opts.Queue), zap.Int("active", m.Len()))
	return nil
}

// Len returns the number of running rules.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rules)
}

// Rule returns the running instance of id.
func (m *Manager) Rule(id string) (*Rule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	return r, ok
}

// OnFinished evaluates every running rule in creation order. Evaluation errors are logged and
// counted.
func (m *Manager) OnFinished(f jobevents.Finished) {
	s := SampleOf(f)
	m.mu.RLock()
	running := make([]*Rule, 0, len(m.order))
	for _, id := range m.order {
		running = append(running, m.rules[id])
	}
	m.mu.RUnlock()

	for _, r := range running {
		err := r.Evaluate(s)
		m.opts.Metrics.Evaluated(m.opts.Queue, r.def.ID, err)
		if err != nil {
			m.opts.Logger.Warn("rule evaluation failed",
				zap.String("rule", r.def.Name),
				zap.String("id", r.def.ID),
				zap.Error(err))
		}
	}
}

// Create validates and stores a new rule and starts it when active.
func (m *Manager) Create(ctx context.Context, def Definition) (Definition, error) {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.Queue == "" {
		def.Queue = m.opts.Queue
	}
	if def.Queue != m.opts.Queue {
		return Definition{}, fmt.Errorf("rule %q belongs to queue %q, not %q", def.Name, def.Queue, m.opts.Queue)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	now := m.opts.Clock.Now()
	def.CreatedAt, def.UpdatedAt = now, now
	if err := m.put(ctx, def, true); err != nil {
		return Definition{}, err
	}
	if def.Active {
		if err := m.install(def); err != nil {
			return Definition{}, err
		}
	}
	return def, nil
}

// Get returns the stored definition of id.
func (m *Manager) Get(ctx context.Context, id string) (Definition, error) {
	b, err := m.store.Get(ctx, id)
	if errors.Is(err, redis.ErrNotFound) {
		return Definition{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	if err != nil {
		return Definition{}, err
	}
	return unmarshalDefinition(b)
}

// List returns every stored definition by creation time.
func (m *Manager) List(ctx context.Context) ([]Definition, error) {
	records, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Definition, 0, len(records))
	for _, b := range records {
		def, err := unmarshalDefinition(b)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

// Update replaces a stored rule. The running instance restarts from VALID, warmup included.
func (m *Manager) Update(ctx context.Context, def Definition) (Definition, error) {
	existing, err := m.Get(ctx, def.ID)
	if err != nil {
		return Definition{}, err
	}
	def.Queue = existing.Queue
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	def.CreatedAt, def.UpdatedAt = existing.CreatedAt, m.opts.Clock.Now()
	if err := m.put(ctx, def, false); err != nil {
		return Definition{}, err
	}
	m.remove(def.ID)
	if def.Active {
		if err := m.install(def); err != nil {
			return Definition{}, err
		}
	}
	return def, nil
}

// Delete removes the rule and its alert log and tears the instance down.
func (m *Manager) Delete(ctx context.Context, id string) error {
	found, err := m.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	m.remove(id)
	m.alertMu.Lock()
	delete(m.lastTriggered, id)
	m.alertMu.Unlock()
	if !found {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return nil
}

// Close tears down every running instance. Stored definitions are untouched.
func (m *Manager) Close() {
	m.mu.Lock()
	running := make([]*Rule, 0, len(m.rules))
	for _, r := range m.rules {
		running = append(running, r)
	}
	clear(m.rules)
	m.order = m.order[:0]
	m.mu.Unlock()

	for _, r := range running {
		r.Close()
	}
}

func (m *Manager) put(ctx context.Context, def Definition, create bool) error {
	b, err := def.marshal()
	if err != nil {
		return fmt.Errorf("encode rule %s: %w", def.ID, err)
	}
	if create {
		return m.store.Create(ctx, def.ID, def.CreatedAt, b)
	}
	err = m.store.Update(ctx, def.ID, b)
	if errors.Is(err, redis.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, def.ID)
	}
	return err
}

func (m *Manager) install(def Definition) error {
	r, err := NewRule(def, m.opts.Clock, m.emit)
	if err != nil {
		return err
	}
	m.mu.Lock()
	old, ok := m.rules[def.ID]
	if !ok {
		m.order = append(m.order, def.ID)
	}
	m.rules[def.ID] = r
	m.mu.Unlock()

	if ok {
		old.Close()
	}
	return nil
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	r, ok := m.rules[id]
	if ok {
		delete(m.rules, id)
		m.order = slices.DeleteFunc(m.order, func(v string) bool { return v == id })
	}
	m.mu.Unlock()

	if ok {
		r.Close()
	}
}

// emit persists t and notifies handlers. Only the lock owner emits.
func (m *Manager) emit(t Transition) {
	if m.opts.Owner != nil && !m.opts.Owner.IsOwner() {
		m.opts.Logger.Debug("alert suppressed, not the lock owner",
			zap.String("rule", t.Name),
			zap.String("kind", string(t.Kind)))
		return
	}

	state := StateTriggered
	if t.Kind == redis.AlertReset {
		state = StateValid
	}
	a := redis.Alert{
		ID:     uuid.NewString(),
		RuleID: t.RuleID,
		Queue:  t.Queue,
		Kind:   t.Kind,
		Start:  t.Start.UnixMilli(),
	}
	if t.Kind == redis.AlertReset {
		a.End = t.At.UnixMilli()
	}
	// both encode plain structs and cannot fail
	a.State, _ = json.Marshal(alertState{State: state, Alerts: t.Alerts, Level: t.Result.Level})
	a.Payload, _ = json.Marshal(t.Result)

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.PersistTimeout)
	defer cancel()
	if err := m.alerts.Add(ctx, a); err != nil {
		m.opts.Logger.Error("persisting alert failed", zap.String("rule", t.Name), zap.Error(err))
		return
	}

	m.alertMu.Lock()
	if t.Kind == redis.AlertTriggered {
		m.lastTriggered[t.RuleID] = a.ID
	} else if id := m.lastTriggered[t.RuleID]; id != "" {
		if err := m.alerts.SetReset(ctx, t.RuleID, id, t.At); err != nil {
			m.opts.Logger.Warn("marking alert reset failed", zap.String("alert", id), zap.Error(err))
		}
		delete(m.lastTriggered, t.RuleID)
	}
	m.alertMu.Unlock()

	m.opts.Metrics.Alert(m.opts.Queue, string(t.Kind))
	m.opts.Logger.Info("rule "+string(t.Kind),
		zap.String("rule", t.Name),
		zap.String("id", t.RuleID),
		zap.Float64("value", t.Result.Value),
		zap.String("level", string(t.Result.Level)))

	m.handlersMu.RLock()
	handlers := m.handlers
	m.handlersMu.RUnlock()
	for _, h := range handlers {
		h(a)
	}
}
