package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

// IMAPClient dials go-imap v2 connections. It implements source.Dialer.
type IMAPClient struct {
	credentials    credential.Resolver
	commandTimeout time.Duration
	log            zerolog.Logger
	traceProtocol  bool

	// tlsConfig, when set, is the base of every handshake config.
	tlsConfig *tls.Config
}

// NewIMAPClient creates a dialer. commandTimeout bounds every command
// issued on the returned connections; zero disables the bound.
func NewIMAPClient(
	creds credential.Resolver, commandTimeout time.Duration, log zerolog.Logger,
) *IMAPClient {
	return &IMAPClient{
		credentials:    creds,
		commandTimeout: commandTimeout,
		log:            log,
		traceProtocol:  log.GetLevel() <= zerolog.TraceLevel,
	}
}

// Dial opens the network connection and waits for the server greeting.
// The deadline of ctx bounds the whole handshake.
func (c *IMAPClient) Dial(
	ctx context.Context, account model.AccountConfig,
) (source.Conn, error) {
	addr := account.Addr()
	connErr := func(op string, err error) error {
		return &source.ConnectionError{AccountID: account.ID, Op: op, Err: err}
	}

	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, connErr("dialing "+addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(deadline)
	}

	tlsConfig := &tls.Config{}
	if c.tlsConfig != nil {
		tlsConfig = c.tlsConfig.Clone()
	}
	tlsConfig.ServerName = account.Host

	activity := newActivityTracker()
	opts := &imapclient.Options{
		TLSConfig: tlsConfig,
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				// EXISTS while selected means new mail arrived.
				if data.NumMessages != nil {
					activity.exists()
				}
			},
		},
	}
	if c.traceProtocol {
		logger := c.log.With().Str("account", account.ID).Logger()
		opts.DebugWriter = &debugWriter{log: &logger}
	}

	var client *imapclient.Client
	switch {
	case account.TLS:
		tlsConn := tls.Client(raw, opts.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, connErr("tls handshake", err)
		}
		client = imapclient.New(tlsConn, opts)
	case account.Insecure:
		client = imapclient.New(raw, opts)
	default:
		client, err = imapclient.NewStartTLS(raw, opts)
		if err != nil {
			raw.Close()
			return nil, connErr("starttls", err)
		}
	}

	activity.attach(client)

	if err := client.WaitGreeting(); err != nil {
		client.Close()
		return nil, connErr("waiting for greeting", err)
	}
	_ = raw.SetDeadline(time.Time{})

	return &conn{
		account:        account,
		client:         client,
		raw:            raw,
		activity:       activity,
		credentials:    c.credentials,
		commandTimeout: c.commandTimeout,
		noopInterval:   defaultNoopInterval,
	}, nil
}

// defaultNoopInterval is how often a server without IDLE is asked for
// pending updates.
const defaultNoopInterval = time.Minute

// conn implements source.Conn over one imapclient.Client.
type conn struct {
	account        model.AccountConfig
	client         *imapclient.Client
	raw            net.Conn
	activity       *activityTracker
	credentials    credential.Resolver
	commandTimeout time.Duration
	noopInterval   time.Duration

	// canIdle is learned from the capabilities after login.
	canIdle     bool
	uidValidity uint32
	folder      string
	closeOnce   sync.Once
	closeErr    error
}

// Login authenticates with the account credentials. A rejection by the
// server is reported as an AuthError inside the ConnectionError.
func (c *conn) Login(ctx context.Context) error {
	password, err := credential.Resolve(c.credentials, c.account.Password)
	if err != nil {
		return &source.ConnectionError{
			AccountID: c.account.ID,
			Op:        "resolving credentials",
			Err:       err,
		}
	}

	done := c.deadline(ctx)
	defer done()

	if err := c.client.Login(c.account.Username, password).Wait(); err != nil {
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			err = &source.AuthError{
				AccountID: c.account.ID,
				Message:   imapErr.Text,
			}
		}
		return &source.ConnectionError{AccountID: c.account.ID, Op: "login", Err: err}
	}
	c.canIdle = c.client.Caps().Has(imap.CapIdle)
	return nil
}

// Select opens folder read-only so fetching never changes flags.
func (c *conn) Select(
	ctx context.Context, folder string,
) (source.FolderStatus, error) {
	done := c.deadline(ctx)
	defer done()

	data, err := c.client.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return source.FolderStatus{}, c.wrap("selecting "+folder, err)
	}
	c.folder = folder
	c.uidValidity = data.UIDValidity

	return source.FolderStatus{
		Name:        folder,
		UIDValidity: data.UIDValidity,
		UIDNext:     uint32(data.UIDNext),
		NumMessages: data.NumMessages,
	}, nil
}

// Search runs UID SEARCH. AfterUID maps to "UID n+1:*", Since to SINCE.
func (c *conn) Search(ctx context.Context, q source.Query) ([]uint32, error) {
	done := c.deadline(ctx)
	defer done()

	criteria := &imap.SearchCriteria{}
	switch {
	case q.AfterUID > 0:
		var set imap.UIDSet
		set.AddRange(imap.UID(q.AfterUID+1), 0)
		criteria.UID = []imap.UIDSet{set}
	case !q.Since.IsZero():
		criteria.Since = q.Since
	}

	data, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, c.wrap("searching "+c.folder, err)
	}

	all := data.AllUIDs()
	uids := make([]uint32, 0, len(all))
	for _, uid := range all {
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

// FetchMeta fetches UID, INTERNALDATE and ENVELOPE for uids.
func (c *conn) FetchMeta(
	ctx context.Context, uids []uint32,
) ([]source.MessageMeta, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	done := c.deadline(ctx)
	defer done()

	fetchCmd := c.client.Fetch(uidSet(uids), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		Envelope:     true,
	})
	msgs, err := fetchCmd.Collect()
	if err != nil {
		return nil, c.wrap("fetching metadata", err)
	}

	metas := make([]source.MessageMeta, 0, len(msgs))
	for _, m := range msgs {
		meta := source.MessageMeta{
			UID:          uint32(m.UID),
			InternalDate: m.InternalDate,
		}
		if m.Envelope != nil {
			meta.Date = m.Envelope.Date
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// FetchRaw fetches BODY.PEEK[] for uids and hands each message to fn as
// soon as it has been read.
func (c *conn) FetchRaw(
	ctx context.Context,
	uids []uint32,
	fn func(model.RawMessagePayload) error,
) error {
	if len(uids) == 0 {
		return nil
	}

	done := c.deadline(ctx)
	defer done()

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := c.client.Fetch(uidSet(uids), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			return c.wrap("collecting message data", err)
		}

		payload := model.RawMessagePayload{
			AccountID:    c.account.ID,
			Folder:       c.folder,
			UIDValidity:  c.uidValidity,
			UID:          uint32(buf.UID),
			InternalDate: buf.InternalDate,
			FetchedAt:    time.Now().UTC(),
			Data:         buf.FindBodySection(bodySection),
		}
		if err := fn(payload); err != nil {
			return err
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return c.wrap("fetching messages", err)
	}
	return nil
}

// Idle issues IDLE and waits for an EXISTS notification, the end of ctx,
// or the connection dropping. Servers without IDLE are polled with NOOP.
func (c *conn) Idle(ctx context.Context) ([]string, error) {
	// New mail reported while fetching counts immediately.
	if folders := c.activity.take(); len(folders) > 0 {
		return folders, nil
	}
	if !c.canIdle {
		return c.poll(ctx)
	}

	idleCmd, err := c.client.Idle()
	if err != nil {
		return nil, c.wrap("starting idle", err)
	}

	folders, result := c.waitActivity(ctx, nil)
	if errors.Is(result, errConnClosed) {
		return nil, c.closedErr("idle")
	}

	done := c.deadline(context.Background())
	defer done()

	if err := idleCmd.Close(); err != nil {
		return nil, c.wrap("stopping idle", err)
	}
	if err := idleCmd.Wait(); err != nil {
		return nil, c.wrap("stopping idle", err)
	}
	return folders, result
}

// poll sends NOOP every noopInterval so the server can report new
// messages, until one does or ctx ends.
func (c *conn) poll(ctx context.Context) ([]string, error) {
	ticker := time.NewTicker(c.noopInterval)
	defer ticker.Stop()

	folders, err := c.waitActivity(ctx, ticker.C)
	if errors.Is(err, errConnClosed) {
		return nil, c.closedErr("poll")
	}
	return folders, err
}

var errConnClosed = errors.New("connection closed by server")

// waitActivity blocks until a folder reports new messages, ctx ends or
// the connection drops. Every tick sends a NOOP.
func (c *conn) waitActivity(ctx context.Context, tick <-chan time.Time) ([]string, error) {
	for {
		select {
		case <-c.activity.ch:
			if folders := c.activity.take(); len(folders) > 0 {
				return folders, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.client.Closed():
			return nil, errConnClosed
		case <-tick:
			// The command timeout alone bounds NOOP; ending ctx mid-command
			// must not break the connection.
			done := c.deadline(context.Background())
			err := c.client.Noop().Wait()
			done()
			if err != nil {
				return nil, c.wrap("noop", err)
			}
		}
	}
}

func (c *conn) closedErr(op string) error {
	return &source.ConnectionError{AccountID: c.account.ID, Op: op, Err: errConnClosed}
}

// Close logs out and closes the connection. It may be called from
// another goroutine to abort a command in flight.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.raw.SetDeadline(time.Now().Add(5 * time.Second))
		_ = c.client.Logout().Wait()
		c.closeErr = c.client.Close()
	})
	return c.closeErr
}

// deadline applies the earlier of ctx's deadline and the command timeout
// to the socket and returns a func that clears it.
func (c *conn) deadline(ctx context.Context) func() {
	var deadline time.Time
	if c.commandTimeout > 0 {
		deadline = time.Now().Add(c.commandTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if deadline.IsZero() {
		return func() {}
	}
	_ = c.raw.SetDeadline(deadline)
	return func() { _ = c.raw.SetDeadline(time.Time{}) }
}

// wrap maps a command failure to the taxonomy: a tagged NO/BAD reply is a
// protocol error, anything else means the connection is gone.
func (c *conn) wrap(op string, err error) error {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return &source.ProtocolError{Op: op, Err: err}
	}
	return &source.ConnectionError{AccountID: c.account.ID, Op: op, Err: err}
}

func uidSet(uids []uint32) imap.UIDSet {
	set := make([]imap.UID, len(uids))
	for i, uid := range uids {
		set[i] = imap.UID(uid)
	}
	return imap.UIDSetNum(set...)
}

// activityTracker records which folders reported new messages. The
// server only sends EXISTS for the selected folder, so a notification is
// charged to whatever folder was selected when it arrived.
type activityTracker struct {
	mu      sync.Mutex
	client  *imapclient.Client
	folders []string
	ch      chan struct{}
}

func newActivityTracker() *activityTracker {
	return &activityTracker{ch: make(chan struct{}, 1)}
}

func (t *activityTracker) attach(client *imapclient.Client) {
	t.mu.Lock()
	t.client = client
	t.mu.Unlock()
}

// exists runs on the client's reader goroutine.
func (t *activityTracker) exists() {
	t.mu.Lock()
	var mbox *imapclient.SelectedMailbox
	if t.client != nil {
		mbox = t.client.Mailbox()
	}
	if mbox != nil && !slices.Contains(t.folders, mbox.Name) {
		t.folders = append(t.folders, mbox.Name)
	}
	t.mu.Unlock()

	// One pending signal is enough.
	select {
	case t.ch <- struct{}{}:
	default:
	}
}

// take returns and clears the folders reported so far.
func (t *activityTracker) take() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	folders := t.folders
	t.folders = nil
	select {
	case <-t.ch:
	default:
	}
	return folders
}

// debugWriter logs IMAP protocol traffic at trace level with credentials
// redacted.
type debugWriter struct {
	log *zerolog.Logger
}

func (w *debugWriter) Write(p []byte) (int, error) {
	data := strings.TrimSpace(string(p))
	if strings.Contains(strings.ToUpper(data), "LOGIN") {
		data = "[LOGIN command redacted]"
	}
	w.log.Trace().Str("imap_data", data).Msg("imap protocol")
	return len(p), nil
}

var _ source.Dialer = (*IMAPClient)(nil)

// String is used in logs.
func (c *conn) String() string {
	return fmt.Sprintf("%s@%s", c.account.ID, c.account.Addr())
}
