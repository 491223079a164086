package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

type fakeMessage struct {
	uid  uint32
	date time.Time
	raw  string
}

type fakeFolder struct {
	uidValidity uint32
	messages    []fakeMessage
}

// fakeServer is an in-memory mailbox implementing source.Dialer.
type fakeServer struct {
	mu       gosync.Mutex
	folders  map[string]*fakeFolder
	changed  []string
	activity chan struct{}

	dials atomic.Int32

	// Hooks, all optional.
	dialHook   func(ctx context.Context, n int) error
	loginHook  func(ctx context.Context) error
	selectHook func(c *fakeConn) error
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		folders:  make(map[string]*fakeFolder),
		activity: make(chan struct{}, 1),
	}
}

func rawMessage(uid uint32, date time.Time) string {
	return fmt.Sprintf("From: sender@example.com\r\n"+
		"To: me@example.com\r\n"+
		"Subject: m%d\r\n"+
		"Message-ID: <m%d@example.com>\r\n"+
		"Date: %s\r\n"+
		"\r\n"+
		"body %d\r\n", uid, uid, date.Format(time.RFC1123Z), uid)
}

// add appends a well-formed message to folder.
func (f *fakeServer) add(folder string, uid uint32, date time.Time) {
	f.addRaw(folder, uid, date, rawMessage(uid, date))
}

func (f *fakeServer) addRaw(folder string, uid uint32, date time.Time, raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.folders[folder]
	if !ok {
		fl = &fakeFolder{uidValidity: 1}
		f.folders[folder] = fl
	}
	fl.messages = append(fl.messages, fakeMessage{uid: uid, date: date, raw: raw})
	sort.Slice(fl.messages, func(i, j int) bool { return fl.messages[i].uid < fl.messages[j].uid })
}

// notify reports new mail in folder to an idling connection.
func (f *fakeServer) notify(folder string) {
	f.mu.Lock()
	if !slices.Contains(f.changed, folder) {
		f.changed = append(f.changed, folder)
	}
	f.mu.Unlock()
	select {
	case f.activity <- struct{}{}:
	default:
	}
}

func (f *fakeServer) Dial(ctx context.Context, account model.AccountConfig) (source.Conn, error) {
	n := int(f.dials.Add(1))
	if f.dialHook != nil {
		if err := f.dialHook(ctx, n); err != nil {
			return nil, &source.ConnectionError{AccountID: account.ID, Op: "dial", Err: err}
		}
	}
	return &fakeConn{srv: f, account: account, closed: make(chan struct{})}, nil
}

type fakeConn struct {
	srv       *fakeServer
	account   model.AccountConfig
	selected  string
	closeOnce gosync.Once
	closed    chan struct{}
}

func (c *fakeConn) Login(ctx context.Context) error {
	if c.srv.loginHook != nil {
		return c.srv.loginHook(ctx)
	}
	return nil
}

func (c *fakeConn) folder() (*fakeFolder, error) {
	fl, ok := c.srv.folders[c.selected]
	if !ok {
		return nil, &source.ProtocolError{Op: "select", Err: errors.New("no such folder")}
	}
	return fl, nil
}

func (c *fakeConn) Select(_ context.Context, folder string) (source.FolderStatus, error) {
	if c.isClosed() {
		return source.FolderStatus{}, &source.ConnectionError{AccountID: c.account.ID, Op: "select", Err: errors.New("closed")}
	}
	if c.srv.selectHook != nil {
		if err := c.srv.selectHook(c); err != nil {
			return source.FolderStatus{}, err
		}
	}

	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.selected = folder
	fl, err := c.folder()
	if err != nil {
		return source.FolderStatus{}, err
	}

	status := source.FolderStatus{Name: folder, UIDValidity: fl.uidValidity, UIDNext: 1}
	if n := len(fl.messages); n > 0 {
		status.UIDNext = fl.messages[n-1].uid + 1
		status.NumMessages = uint32(n)
	}
	return status, nil
}

func (c *fakeConn) Search(_ context.Context, q source.Query) ([]uint32, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	fl, err := c.folder()
	if err != nil {
		return nil, err
	}

	var uids []uint32
	if q.AfterUID > 0 {
		for _, m := range fl.messages {
			if m.uid > q.AfterUID {
				uids = append(uids, m.uid)
			}
		}
		// n:* always matches the newest message.
		if len(uids) == 0 && len(fl.messages) > 0 {
			uids = append(uids, fl.messages[len(fl.messages)-1].uid)
		}
		return uids, nil
	}

	// SINCE compares whole days.
	day := q.Since.UTC().Truncate(24 * time.Hour)
	for _, m := range fl.messages {
		if !m.date.UTC().Before(day) {
			uids = append(uids, m.uid)
		}
	}
	return uids, nil
}

func (c *fakeConn) lookup(uids []uint32) []fakeMessage {
	want := make(map[uint32]bool, len(uids))
	for _, uid := range uids {
		want[uid] = true
	}
	fl, err := c.folder()
	if err != nil {
		return nil
	}
	var out []fakeMessage
	for _, m := range fl.messages {
		if want[m.uid] {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) FetchMeta(_ context.Context, uids []uint32) ([]source.MessageMeta, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	var metas []source.MessageMeta
	for _, m := range c.lookup(uids) {
		metas = append(metas, source.MessageMeta{UID: m.uid, InternalDate: m.date, Date: m.date})
	}
	return metas, nil
}

func (c *fakeConn) FetchRaw(_ context.Context, uids []uint32, fn func(model.RawMessagePayload) error) error {
	c.srv.mu.Lock()
	msgs := c.lookup(uids)
	folder := c.selected
	c.srv.mu.Unlock()

	for _, m := range msgs {
		err := fn(model.RawMessagePayload{
			Folder:       folder,
			UID:          m.uid,
			InternalDate: m.date,
			FetchedAt:    m.date.Add(time.Minute),
			Data:         []byte(m.raw),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *fakeConn) Idle(ctx context.Context) ([]string, error) {
	select {
	case <-c.srv.activity:
		c.srv.mu.Lock()
		defer c.srv.mu.Unlock()
		changed := c.srv.changed
		c.srv.changed = nil
		return changed, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, &source.ConnectionError{AccountID: c.account.ID, Op: "idle", Err: errors.New("connection closed")}
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// recordingSink keeps delivered records in order. fail, when set, decides
// per record whether the upsert fails.
type recordingSink struct {
	mu      gosync.Mutex
	records []*model.MessageRecord
	fail    func(rec *model.MessageRecord) error
}

func (s *recordingSink) Upsert(_ context.Context, rec *model.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(rec); err != nil {
			return err
		}
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *recordingSink) subjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.records))
	for i, r := range s.records {
		out[i] = r.Subject
	}
	return out
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// eventLog collects emitted events.
type eventLog struct {
	mu     gosync.Mutex
	events []Event
}

func (l *eventLog) emit(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) has(kind EventKind, match func(Event) bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Kind == kind && (match == nil || match(e)) {
			return true
		}
	}
	return false
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
