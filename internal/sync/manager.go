package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

// ManagerConfig holds what every session of a Manager shares.
type ManagerConfig struct {
	Dialer         source.Dialer
	Scheduler      FolderSyncer
	Reconnect      ReconnectPolicy
	ConnectTimeout time.Duration
	PollInterval   time.Duration

	// EventBuffer is the capacity of the merged event channel. Events
	// are dropped while it is full. Zero means 256.
	EventBuffer int

	Log zerolog.Logger
}

// managed is one supervised account.
type managed struct {
	account  model.AccountConfig
	session  *Session
	restarts int
}

// Manager runs one independent session per account. A failing account
// never affects the others.
type Manager struct {
	cfg ManagerConfig

	mu       gosync.Mutex
	accounts []*managed
	started  bool
	stopping bool
	stopCh   chan struct{}
	wg       gosync.WaitGroup

	eventsMu     gosync.RWMutex
	events       chan Event
	eventsClosed bool
}

// NewManager creates a Manager. Call StartAll to launch sessions.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	return &Manager{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		events: make(chan Event, cfg.EventBuffer),
	}
}

// StartAll validates accounts and starts one session for each. It fails
// with a *source.ConfigError before anything starts when the list is
// invalid. Cancelling ctx stops crashed sessions from being restarted.
func (m *Manager) StartAll(ctx context.Context, accounts []model.AccountConfig) error {
	if err := ValidateAccounts(accounts); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("manager already started")
	}
	if m.stopping {
		return fmt.Errorf("manager stopped")
	}
	m.started = true

	for _, a := range accounts {
		mg := &managed{account: a}
		m.accounts = append(m.accounts, mg)
		m.wg.Add(1)
		go m.supervise(ctx, mg)
	}

	m.cfg.Log.Info().Int("accounts", len(accounts)).Msg("sessions started")
	return nil
}

// supervise runs sessions for one account until the manager stops,
// replacing a session whose goroutine crashed.
func (m *Manager) supervise(ctx context.Context, mg *managed) {
	defer m.wg.Done()
	log := m.cfg.Log.With().Str("account", mg.account.ID).Logger()

	for {
		m.mu.Lock()
		if m.stopping {
			m.mu.Unlock()
			return
		}
		s := m.newSession(mg.account)
		mg.session = s
		s.Start()
		m.mu.Unlock()

		<-s.Done()
		if !s.Crashed() {
			return
		}

		m.mu.Lock()
		mg.restarts++
		restarts := mg.restarts
		m.mu.Unlock()

		delay := m.cfg.Reconnect.Delay(restarts)
		log.Warn().Int("restarts", restarts).Dur("delay", delay).Msg("restarting crashed session")

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-m.stopCh:
			t.Stop()
			return
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func (m *Manager) newSession(account model.AccountConfig) *Session {
	return NewSession(SessionConfig{
		Account:        account,
		Dialer:         m.cfg.Dialer,
		Scheduler:      m.cfg.Scheduler,
		Reconnect:      m.cfg.Reconnect,
		ConnectTimeout: m.cfg.ConnectTimeout,
		PollInterval:   m.cfg.PollInterval,
		Log:            m.cfg.Log,
		Emit:           m.emit,
	})
}

// StopAll stops every session and waits up to timeout for them to reach
// Closed. Sessions still running after the timeout are abandoned and an
// error reports how many. The event channel is closed on return.
func (m *Manager) StopAll(timeout time.Duration) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	close(m.stopCh)
	sessions := m.sessionsLocked()
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		m.cfg.Log.Info().Msg("all sessions stopped")
	case <-t.C:
		var abandoned int
		for _, s := range sessions {
			select {
			case <-s.Done():
			default:
				s.Abandon()
				abandoned++
				m.cfg.Log.Warn().Str("account", s.cfg.Account.ID).Msg("session abandoned")
			}
		}
		err = fmt.Errorf("%d session(s) did not stop within %s", abandoned, timeout)
	}

	m.eventsMu.Lock()
	if !m.eventsClosed {
		m.eventsClosed = true
		close(m.events)
	}
	m.eventsMu.Unlock()
	return err
}

// Trigger asks the session of accountID to sync all folders now.
func (m *Manager) Trigger(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mg := range m.accounts {
		if mg.account.ID == accountID && mg.session != nil {
			mg.session.Trigger()
			return true
		}
	}
	return false
}

// Statuses returns the status of every account in configuration order.
func (m *Manager) Statuses() []SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SessionStatus, 0, len(m.accounts))
	for _, mg := range m.accounts {
		st := SessionStatus{AccountID: mg.account.ID, State: StateDisconnected}
		if mg.session != nil {
			st = mg.session.Status()
		}
		st.Restarts = mg.restarts
		out = append(out, st)
	}
	return out
}

// Events returns the merged event stream of all sessions. It is closed
// by StopAll.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) sessionsLocked() []*Session {
	out := make([]*Session, 0, len(m.accounts))
	for _, mg := range m.accounts {
		if mg.session != nil {
			out = append(out, mg.session)
		}
	}
	return out
}

func (m *Manager) emit(e Event) {
	m.eventsMu.RLock()
	defer m.eventsMu.RUnlock()
	if m.eventsClosed {
		return
	}
	select {
	case m.events <- e:
	default:
		m.cfg.Log.Debug().Str("account", e.AccountID).Str("kind", string(e.Kind)).Msg("event dropped")
	}
}
