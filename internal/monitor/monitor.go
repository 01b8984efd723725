// Package monitor manages monitoring sessions. A session watches one
// owner's approvals for the configured token: an approval listener plus a
// periodic allowance scanner, started and torn down together.
//
// Sessions start either through the API or when the first live
// subscriber for an owner connects. Subscription-started sessions end when
// that owner's last subscriber leaves; API-started sessions run until
// Unwatch.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/telanks/wallet-guard/internal/chain"
	"github.com/telanks/wallet-guard/internal/listener"
	"github.com/telanks/wallet-guard/internal/metrics"
	"github.com/telanks/wallet-guard/internal/realtime"
	"github.com/telanks/wallet-guard/internal/risk"
	"github.com/telanks/wallet-guard/internal/scanner"
	"github.com/telanks/wallet-guard/internal/syncutil"
	"github.com/telanks/wallet-guard/internal/validation"
)

var (
	// ErrSessionNotFound is returned for an owner that is not being watched.
	ErrSessionNotFound = errors.New("monitor: session not found")

	// ErrShutdown is returned by Watch after Shutdown.
	ErrShutdown = errors.New("monitor: shutting down")
)

// Trigger records what started a session.
type Trigger string

const (
	TriggerAPI          Trigger = "api"
	TriggerSubscription Trigger = "subscription"
)

// Whitelist is what sessions need from the whitelist store.
type Whitelist interface {
	Get(ctx context.Context, owner string) ([]string, error)
	Contains(ctx context.Context, owner, spender string) (bool, error)
}

// Publisher delivers risk events.
type Publisher interface {
	Publish(ctx context.Context, event *risk.Event) error
}

// Config for sessions.
type Config struct {
	Token           string
	Workers         int
	ScanInterval    time.Duration
	ScanConcurrency int
	ScannerPublish  bool
}

// SessionInfo describes a running session.
type SessionInfo struct {
	Owner        string    `json:"owner"`
	Token        string    `json:"token"`
	Trigger      Trigger   `json:"trigger"`
	StartedAt    time.Time `json:"startedAt"`
	ScanInterval string    `json:"scanInterval"`
}

type session struct {
	info     SessionInfo
	cancel   context.CancelFunc
	listener *listener.Listener
	timer    *scanner.Timer
}

// Manager owns every running session.
type Manager struct {
	cfg       Config
	adapter   chain.Adapter
	whitelist Whitelist
	publisher Publisher
	logger    *slog.Logger

	root   context.Context
	cancel context.CancelFunc

	owners syncutil.ShardedMutex

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// NewManager creates a session manager for cfg.Token.
func NewManager(cfg Config, adapter chain.Adapter, whitelist Whitelist, publisher Publisher, logger *slog.Logger) (*Manager, error) {
	token, err := validation.NormalizeAddress(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("monitor: token: %w", err)
	}
	cfg.Token = token
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = scanner.DefaultInterval
	}
	root, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		adapter:   adapter,
		whitelist: whitelist,
		publisher: publisher,
		logger:    logger.With("component", "monitor"),
		root:      root,
		cancel:    cancel,
		sessions:  make(map[string]*session),
	}, nil
}

// Watch starts a session for owner. If one is already running it is
// returned with created=false; an API call promotes a subscription-started
// session so it outlives its subscribers.
func (m *Manager) Watch(owner string, trigger Trigger) (info SessionInfo, created bool, err error) {
	owner, err = validation.NormalizeAddress(owner)
	if err != nil {
		return SessionInfo{}, false, err
	}

	unlock := m.owners.Lock(owner)
	defer unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return SessionInfo{}, false, ErrShutdown
	}
	if s, ok := m.sessions[owner]; ok {
		if trigger == TriggerAPI {
			s.info.Trigger = TriggerAPI
		}
		info = s.info
		m.mu.Unlock()
		return info, false, nil
	}
	m.mu.Unlock()

	s, err := m.start(owner, trigger)
	if err != nil {
		return SessionInfo{}, false, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.stop(s)
		return SessionInfo{}, false, ErrShutdown
	}
	m.sessions[owner] = s
	n := len(m.sessions)
	m.mu.Unlock()

	metrics.ActiveSessions.Set(float64(n))
	m.logger.Info("monitoring session started", "owner", owner, "trigger", trigger)
	return s.info, true, nil
}

func (m *Manager) start(owner string, trigger Trigger) (*session, error) {
	ctx, cancel := context.WithCancel(m.root)

	l, err := listener.New(listener.Config{
		Owner:   owner,
		Token:   m.cfg.Token,
		Workers: m.cfg.Workers,
	}, m.adapter, m.whitelist, m.publisher, m.logger)
	if err != nil {
		cancel()
		return nil, err
	}

	var scanPublisher scanner.Publisher
	if m.cfg.ScannerPublish {
		scanPublisher = m.publisher
	}
	sc, err := scanner.New(scanner.Config{
		Owner:       owner,
		Token:       m.cfg.Token,
		Concurrency: m.cfg.ScanConcurrency,
		Publish:     m.cfg.ScannerPublish,
	}, m.adapter, scanPublisher, m.logger)
	if err != nil {
		cancel()
		return nil, err
	}

	if err := l.Start(ctx); err != nil {
		cancel()
		return nil, err
	}

	spenders := func(ctx context.Context) ([]string, error) {
		return m.whitelist.Get(ctx, owner)
	}
	m.mu.Lock()
	interval := m.cfg.ScanInterval
	m.mu.Unlock()
	timer := scanner.NewTimer(sc, spenders, interval, m.logger.With("owner", owner))
	go timer.Start(ctx)

	return &session{
		info: SessionInfo{
			Owner:        owner,
			Token:        m.cfg.Token,
			Trigger:      trigger,
			StartedAt:    time.Now().UTC(),
			ScanInterval: interval.String(),
		},
		cancel:   cancel,
		listener: l,
		timer:    timer,
	}, nil
}

// stop tears a session down and waits for the scan loop to exit.
func (m *Manager) stop(s *session) {
	s.cancel()
	s.listener.Stop()
	s.timer.Stop()
	<-s.timer.Done()
}

// Unwatch stops owner's session.
func (m *Manager) Unwatch(owner string) error {
	owner, err := validation.NormalizeAddress(owner)
	if err != nil {
		return err
	}
	return m.unwatchIf(owner, nil)
}

// unwatchIf stops owner's session when keep is nil or returns false for its
// current info. The check and the teardown happen under the owner lock, so a
// concurrent Watch cannot change the trigger in between.
func (m *Manager) unwatchIf(owner string, keep func(SessionInfo) bool) error {
	unlock := m.owners.Lock(owner)
	defer unlock()

	m.mu.Lock()
	s, ok := m.sessions[owner]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if keep != nil && keep(s.info) {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, owner)
	n := len(m.sessions)
	m.mu.Unlock()

	m.stop(s)
	metrics.ActiveSessions.Set(float64(n))
	m.logger.Info("monitoring session stopped", "owner", owner)
	return nil
}

// release ends owner's session if a subscriber started it.
func (m *Manager) release(owner string) {
	apiOwned := func(info SessionInfo) bool { return info.Trigger != TriggerSubscription }
	// A missing session was already stopped through Unwatch.
	_ = m.unwatchIf(owner, apiOwned)
}

// HubHooks ties session lifetime to live subscribers.
func (m *Manager) HubHooks() realtime.Hooks {
	return realtime.Hooks{
		OnActive: func(owner string) {
			if _, _, err := m.Watch(owner, TriggerSubscription); err != nil && !errors.Is(err, ErrShutdown) {
				m.logger.Error("failed to start session for subscriber", "owner", owner, "error", err)
			}
		},
		OnIdle: m.release,
	}
}

// Session returns owner's session.
func (m *Manager) Session(owner string) (SessionInfo, error) {
	owner, err := validation.NormalizeAddress(owner)
	if err != nil {
		return SessionInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[owner]
	if !ok {
		return SessionInfo{}, ErrSessionNotFound
	}
	return s.info, nil
}

// Sessions lists running sessions ordered by owner.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out
}

// SetScanInterval changes the scan period of running and future sessions.
func (m *Manager) SetScanInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.ScanInterval = d
	for _, s := range m.sessions {
		s.timer.SetInterval(d)
		s.info.ScanInterval = d.String()
	}
}

// Shutdown stops every session. Watch fails afterwards.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	m.cancel()
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			m.stop(s)
		}(s)
	}
	wg.Wait()
	metrics.ActiveSessions.Set(0)
	m.logger.Info("all monitoring sessions stopped", "count", len(sessions))
}
