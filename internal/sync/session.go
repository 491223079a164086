package sync

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

// SessionConfig configures a Session.
type SessionConfig struct {
	Account   model.AccountConfig
	Dialer    source.Dialer
	Scheduler FolderSyncer
	Reconnect ReconnectPolicy

	// ConnectTimeout bounds dial plus login. Zero means 20s.
	ConnectTimeout time.Duration

	// PollInterval is the fallback fetch period while idling. Zero
	// means 5m.
	PollInterval time.Duration

	Log zerolog.Logger

	// Emit receives session events. It must not block.
	Emit func(Event)
}

// SessionStatus is a point-in-time view of a session.
type SessionStatus struct {
	AccountID string    `json:"account_id"`
	State     State     `json:"state"`
	Failures  int       `json:"consecutive_failures"`
	LastError string    `json:"last_error,omitempty"`
	LastSync  time.Time `json:"last_sync,omitempty"`
	Restarts  int       `json:"restarts"`
}

// Session keeps one account synchronized over a single connection. All
// protocol operations run sequentially on the session goroutine.
type Session struct {
	cfg SessionConfig
	log zerolog.Logger

	// stopCtx ends waits (dial, IDLE, backoff). hardCtx only ends with
	// Abandon and also interrupts in-flight commands.
	stopCtx    context.Context
	stopCancel context.CancelFunc
	hardCtx    context.Context
	hardCancel context.CancelFunc

	trigger   chan struct{}
	done      chan struct{}
	startOnce gosync.Once
	abandoned atomic.Bool
	crashed   atomic.Bool

	mu       gosync.Mutex
	state    State
	failures int
	lastErr  error
	lastSync time.Time
	conn     source.Conn
}

// NewSession creates a Session in the Disconnected state.
func NewSession(cfg SessionConfig) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 20 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	if cfg.Reconnect.Floor <= 0 {
		cfg.Reconnect = DefaultReconnectPolicy()
	}

	s := &Session{
		cfg:     cfg,
		log:     cfg.Log.With().Str("account", cfg.Account.ID).Logger(),
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
		state:   StateDisconnected,
	}
	s.stopCtx, s.stopCancel = context.WithCancel(context.Background())
	s.hardCtx, s.hardCancel = context.WithCancel(context.Background())
	return s
}

// Start launches the session goroutine and returns immediately.
func (s *Session) Start() {
	s.startOnce.Do(func() { go s.run() })
}

// Stop asks the session to close. IDLE and backoff waits end at once; a
// fetch in progress finishes its current message first. The returned
// channel is closed when the session has reached Closed.
func (s *Session) Stop() <-chan struct{} {
	s.stopCancel()
	s.Start()
	return s.done
}

// Abandon closes the connection without waiting and silences the
// session. Use it after a Stop that did not complete in time.
func (s *Session) Abandon() {
	s.abandoned.Store(true)
	s.stopCancel()
	s.hardCancel()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Trigger requests a sync of every folder without waiting for the poll
// timer.
func (s *Session) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Done is closed when the session goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Crashed reports whether the session goroutine exited on a panic.
func (s *Session) Crashed() bool {
	return s.crashed.Load()
}

// Status returns the current session status.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SessionStatus{
		AccountID: s.cfg.Account.ID,
		State:     s.state,
		Failures:  s.failures,
		LastSync:  s.lastSync,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) run() {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			s.crashed.Store(true)
			s.closeConn()
			s.log.Error().
				Str("panic", fmt.Sprint(r)).
				Bytes("stack", debug.Stack()).
				Msg("session crashed")
			s.setState(StateDisconnected)
		}
	}()

	for !s.stopping() {
		err := s.serve()
		s.closeConn()
		if s.stopping() {
			break
		}
		if err == nil {
			err = errors.New("session ended unexpectedly")
		}

		s.mu.Lock()
		s.failures++
		failures := s.failures
		s.lastErr = err
		s.mu.Unlock()

		s.setState(StateDisconnected)
		s.fail(err)

		delay := s.cfg.Reconnect.Delay(failures)
		s.log.Debug().Dur("delay", delay).Int("failures", failures).Msg("waiting to reconnect")
		if !s.sleep(delay) {
			break
		}
	}

	s.closeConn()
	s.setState(StateClosed)
}

// serve connects, then alternates between fetching and listening until
// an error or a stop request. A nil return means the session stopped.
func (s *Session) serve() error {
	s.setState(StateConnecting)

	connectCtx, cancel := context.WithTimeout(s.stopCtx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.cfg.Dialer.Dial(connectCtx, s.cfg.Account)
	if err != nil {
		return s.stoppedOr(err)
	}
	if !s.setConn(conn) {
		_ = conn.Close()
		return nil
	}

	s.setState(StateAuthenticating)
	if err := conn.Login(connectCtx); err != nil {
		return s.stoppedOr(err)
	}
	cancel()

	s.emit(Event{Kind: EventConnected, Message: logging.MaskEmail(s.cfg.Account.Username)})
	defer s.emit(Event{Kind: EventDisconnected})

	folders := s.cfg.Account.WatchedFolders()
	s.setState(StateFolderSelect)
	for _, folder := range folders {
		if s.stopping() {
			return nil
		}
		if _, err := conn.Select(s.hardCtx, folder); err != nil {
			return s.stoppedOr(err)
		}
	}

	s.listen()
	pending := folders
	for {
		if s.stopping() {
			return nil
		}

		s.setState(StateFetching)
		for _, folder := range pending {
			if err := s.syncFolder(conn, folder); err != nil {
				if errors.Is(err, ErrStopped) {
					return nil
				}
				return s.stoppedOr(err)
			}
		}
		// The last folder synced is the last watched folder, which stays
		// selected for IDLE.
		s.mu.Lock()
		s.lastSync = time.Now()
		s.mu.Unlock()
		s.listen()

		changed, err := s.idle(conn)
		if err != nil {
			return s.stoppedOr(err)
		}
		if s.stopping() {
			return nil
		}
		pending = folders
		if len(changed) > 0 {
			pending = changedFolders(folders, changed)
		}
	}
}

// changedFolders keeps the watched folders that reported new mail, in
// watch order. The last watched folder always closes the pass so it is
// selected again for IDLE.
func changedFolders(watched, changed []string) []string {
	last := watched[len(watched)-1]
	var out []string
	for _, folder := range watched[:len(watched)-1] {
		if slices.Contains(changed, folder) {
			out = append(out, folder)
		}
	}
	return append(out, last)
}

func (s *Session) syncFolder(conn source.Conn, folder string) error {
	res, err := s.cfg.Scheduler.SyncFolder(s.hardCtx, conn, FolderPass{
		AccountID: s.cfg.Account.ID,
		Folder:    folder,
		Stopped:   s.stopping,
		OnBatch: func(n int) {
			s.emit(Event{Kind: EventFetchBatch, Folder: folder, Count: n})
		},
		OnError: func(err error) {
			s.emit(Event{
				Kind:    EventError,
				Folder:  folder,
				ErrKind: source.Kind(err),
				Err:     err,
				Message: err.Error(),
			})
		},
		Log: s.log,
	})
	if err != nil {
		return err
	}
	if res.Backfill {
		s.emit(Event{Kind: EventBackfillComplete, Folder: folder, Count: res.Forwarded})
	}
	return nil
}

// idle waits for server activity, the poll timer, a manual trigger or a
// stop request. It returns the folders the server reported new mail in,
// or none when every folder should be synced.
func (s *Session) idle(conn source.Conn) ([]string, error) {
	ctx, cancel := context.WithTimeout(s.stopCtx, s.cfg.PollInterval)
	defer cancel()

	watched := make(chan struct{})
	go func() {
		defer close(watched)
		select {
		case <-s.trigger:
			cancel()
		case <-ctx.Done():
		}
	}()

	changed, err := conn.Idle(ctx)
	cancel()
	<-watched

	switch {
	case err == nil:
		return changed, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, nil
	default:
		return nil, err
	}
}

// listen enters Listening and resets the failure counter.
func (s *Session) listen() {
	s.mu.Lock()
	s.failures = 0
	s.lastErr = nil
	s.mu.Unlock()
	s.setState(StateListening)
}

func (s *Session) fail(err error) {
	kind := source.Kind(err)
	log := s.log.With().Str("error_kind", string(kind)).Logger()
	switch {
	case kind == source.KindAuth:
		log.Error().Err(err).Bool("auth", true).Msg("authentication rejected")
	case source.IsSessionError(err):
		log.Warn().Err(err).Msg("connection lost")
	default:
		log.Error().Err(err).Msg("session error")
	}

	s.emit(Event{
		Kind:    EventError,
		ErrKind: kind,
		Err:     err,
		Message: logging.RedactEmailsIn(err.Error()),
	})
}

// sleep waits for d or a stop request. It reports false on stop.
func (s *Session) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.stopCtx.Done():
		return false
	}
}

func (s *Session) stopping() bool {
	return s.stopCtx.Err() != nil
}

// stoppedOr swallows errors caused by a stop request.
func (s *Session) stoppedOr(err error) error {
	if s.stopping() {
		return nil
	}
	return err
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	s.log.Debug().Stringer("state", state).Msg("session state")
	s.emit(Event{Kind: EventStateChanged, State: state})
}

// setConn publishes conn for Abandon. It reports false when the session
// was abandoned meanwhile.
func (s *Session) setConn(conn source.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abandoned.Load() {
		return false
	}
	s.conn = conn
	return true
}

func (s *Session) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) emit(e Event) {
	if s.cfg.Emit == nil || s.abandoned.Load() {
		return
	}
	e.AccountID = s.cfg.Account.ID
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.cfg.Emit(e)
}
