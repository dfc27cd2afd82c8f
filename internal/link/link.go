package link

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/rjboer/rfsweep/internal/filelock"
	"github.com/rjboer/rfsweep/internal/logging"
)

// State is the lifecycle state of a Link.
type State int

const (
	Disconnected State = iota
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options tunes the transport behaviour of a Link.
type Options struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Retries        int
	RetryDelay     time.Duration
	// ErrorTokens are response prefixes that mark a device-reported error.
	ErrorTokens []string
	MaxLineLen  int
	// SessionLock guards the endpoint with a host-wide lock file so a second
	// local process cannot open a competing session.
	SessionLock bool
}

// DefaultOptions returns the transport defaults used for SCPI raw sockets.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 3 * time.Second,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		Retries:        2,
		RetryDelay:     200 * time.Millisecond,
		ErrorTokens:    []string{"ERR", "**ERROR"},
		MaxLineLen:     1 << 20,
		SessionLock:    true,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if o.MaxLineLen <= 0 {
		o.MaxLineLen = d.MaxLineLen
	}
	return o
}

// drainWindow is how long stale input is discarded before a retry.
const drainWindow = 50 * time.Millisecond

// Link owns one command/response session to one instrument. At most one
// command is in flight at a time.
type Link struct {
	Name    string
	Address string

	opts   Options
	logger logging.Logger

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	lock   *filelock.FileLock
	state  State
	// dialed is set when Connect opened the transport, so it can be reopened.
	dialed bool
	// dirty marks a session that may still owe replies to timed-out commands.
	dirty bool
}

// New builds an unconnected Link for addr ("host:port").
func New(name, addr string, opts Options, logger logging.Logger) *Link {
	if logger == nil {
		logger = logging.Default()
	}
	return &Link{
		Name:    name,
		Address: addr,
		opts:    opts.withDefaults(),
		logger:  logger.With(logging.F("instrument", name), logging.F("address", addr)),
	}
}

// ---------- Construction / lifecycle ----------

// Connect opens the TCP session. Calling Connect on a connected Link is a
// no-op. The caller must Close the Link on every exit path.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		return nil
	}

	if l.opts.SessionLock {
		lock := filelock.ForEndpoint(l.Address)
		ok, err := lock.TryLock()
		if err != nil {
			return l.newError(ErrConnection, "", "", err)
		}
		if !ok {
			return l.newError(ErrConnection, "", "", errSessionBusy)
		}
		l.lock = lock
	}

	conn, err := l.dial(ctx)
	if err != nil {
		l.releaseLock()
		return l.newError(ErrConnection, "", "", err)
	}
	l.attach(conn)
	l.dialed = true
	l.logger.Info("instrument connected")
	return nil
}

func (l *Link) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: l.opts.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", l.Address)
	if err != nil {
		return nil, fmt.Errorf("connect failed: %w", err)
	}
	return conn, nil
}

// SetConn injects an established transport (tests, tunnels).
func (l *Link) SetConn(conn net.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attach(conn)
	l.dialed = false
}

func (l *Link) attach(conn net.Conn) {
	l.conn = conn
	l.reader = bufio.NewReader(conn)
	l.state = Connected
	l.dirty = false
}

// Close releases the session. It is idempotent and safe on a Link that never
// connected.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	if l.conn != nil {
		err = l.conn.Close()
		l.conn = nil
		l.reader = nil
		l.logger.Info("instrument disconnected")
	}
	l.releaseLock()
	if l.state == Connected {
		l.state = Closed
	}
	return err
}

func (l *Link) releaseLock() {
	if l.lock == nil {
		return
	}
	if err := l.lock.Unlock(); err != nil {
		l.logger.Warn("release session lock", logging.F("error", err))
	}
	l.lock = nil
}

// State reports the session state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ---------- Command exchange ----------

// Send writes one command and waits for its response line using the
// configured read timeout.
func (l *Link) Send(ctx context.Context, cmd string) (string, error) {
	return l.SendTimeout(ctx, cmd, 0)
}

// SendTimeout is Send with a per-call read timeout; zero uses the default.
// Cancellation is only observed before the exchange starts.
func (l *Link) SendTimeout(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if timeout <= 0 {
		timeout = l.opts.ReadTimeout
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return "", l.newError(ErrConnection, cmd, "", errNotConnected)
	}
	if l.dirty {
		if err := l.resync(ctx); err != nil {
			return "", l.newError(ErrConnection, cmd, "", err)
		}
	}

	var (
		resp     string
		attempts int
	)
	op := func() error {
		attempts++
		if attempts > 1 {
			l.logger.Warn("retrying command after timeout", logging.F("command", cmd), logging.F("attempt", attempts))
			l.drain()
		}
		start := time.Now()
		r, err := l.exchange(cmd, timeout)
		if err != nil {
			if isTimeout(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		l.logger.Debug("scpi exchange", logging.F("command", cmd), logging.F("response", r), logging.F("duration", time.Since(start)))
		resp = r
		return nil
	}

	// WithMaxRetries treats zero as unlimited.
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if l.opts.Retries > 0 {
		policy = backoff.WithMaxRetries(backoff.NewConstantBackOff(l.opts.RetryDelay), uint64(l.opts.Retries))
	}
	if err := backoff.Retry(op, policy); err != nil {
		if isTimeout(err) {
			l.dirty = true
			e := l.newError(ErrTimeout, cmd, "", err)
			e.Attempts = attempts
			return "", e
		}
		return "", l.newError(ErrConnection, cmd, "", err)
	}

	if l.isDeviceError(resp) {
		return resp, l.newError(ErrDevice, cmd, resp, nil)
	}
	return resp, nil
}

func (l *Link) exchange(cmd string, timeout time.Duration) (string, error) {
	if err := l.writeLine(cmd); err != nil {
		return "", err
	}
	return l.readLine(timeout)
}

func (l *Link) isDeviceError(resp string) bool {
	for _, tok := range l.opts.ErrorTokens {
		if tok != "" && strings.HasPrefix(resp, tok) {
			return true
		}
	}
	return false
}

func (l *Link) newError(kind error, cmd, text string, err error) *Error {
	return &Error{Kind: kind, Link: l.Name, Address: l.Address, Command: cmd, Text: text, Err: err}
}

// ---------- Raw I/O ----------

// hasLineEnding checks whether the string already ends with CR or LF.
func hasLineEnding(s string) bool {
	return strings.HasSuffix(s, "\n") || strings.HasSuffix(s, "\r")
}

// writeLine writes a command terminated with LF.
func (l *Link) writeLine(cmd string) error {
	if !hasLineEnding(cmd) {
		cmd += "\n"
	}
	return l.writeAll([]byte(cmd))
}

// writeAll writes the full buffer to the socket, handling short writes.
func (l *Link) writeAll(b []byte) error {
	for len(b) > 0 {
		if l.opts.WriteTimeout > 0 {
			_ = l.conn.SetWriteDeadline(time.Now().Add(l.opts.WriteTimeout))
		}
		n, err := l.conn.Write(b)
		if err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
		b = b[n:]
	}
	return nil
}

// readLine reads one LF-terminated response and strips the line ending.
func (l *Link) readLine(timeout time.Duration) (string, error) {
	_ = l.conn.SetReadDeadline(time.Now().Add(timeout))

	var sb strings.Builder
	for {
		chunk, err := l.reader.ReadSlice('\n')
		sb.Write(chunk)
		if sb.Len() > l.opts.MaxLineLen {
			return "", errLineTooLong
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("read failed: %w", err)
		}
		break
	}
	return strings.TrimRight(sb.String(), "\r\n"), nil
}

// resync clears replies the instrument may still send for commands that
// timed out. A dialed session is reopened so late replies land on the old
// socket; an injected transport can only be drained.
func (l *Link) resync(ctx context.Context) error {
	l.dirty = false
	if !l.dialed {
		l.drain()
		return nil
	}
	l.logger.Warn("reopening session after timeout")
	if err := l.conn.Close(); err != nil {
		l.logger.Debug("close stale session", logging.F("error", err))
	}
	conn, err := l.dial(ctx)
	if err != nil {
		l.conn = nil
		l.reader = nil
		return err
	}
	l.attach(conn)
	return nil
}

// drain discards late or partial input left over from a timed-out attempt.
func (l *Link) drain() {
	_ = l.conn.SetReadDeadline(time.Now().Add(drainWindow))
	buf := make([]byte, 512)
	for {
		if _, err := l.reader.Read(buf); err != nil {
			break
		}
	}
	l.reader.Reset(l.conn)
}
