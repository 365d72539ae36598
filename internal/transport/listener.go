package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMaxLineBytes = 64 * 1024
	DefaultReadTimeout  = 60 * time.Second
)

// Inbound is one accepted line and the remote host it came from.
type Inbound struct {
	From string
	Line string
}

// Gate decides whether a line from source may pass. It returns false to answer
// RATE_LIMITED instead of OK.
type Gate func(source string) bool

type ListenerOption func(*Listener)

func WithMaxLineBytes(n int) ListenerOption {
	return func(l *Listener) {
		if n > 0 {
			l.maxLine = n
		}
	}
}

func WithReadTimeout(d time.Duration) ListenerOption {
	return func(l *Listener) {
		if d > 0 {
			l.readTimeout = d
		}
	}
}

func WithGate(g Gate) ListenerOption {
	return func(l *Listener) { l.gate = g }
}

func WithLogger(log *zap.Logger) ListenerOption {
	return func(l *Listener) {
		if log != nil {
			l.log = log
		}
	}
}

// Listener accepts line-framed connections. Every non-empty line within the size
// limit is answered with OK and emitted on Inbound; an oversized line closes the
// connection without reply.
type Listener struct {
	ln          net.Listener
	maxLine     int
	readTimeout time.Duration
	gate        Gate
	out         chan Inbound
	log         *zap.Logger
	wg          sync.WaitGroup
}

func Listen(addr string, opts ...ListenerOption) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		ln:          ln,
		maxLine:     DefaultMaxLineBytes,
		readTimeout: DefaultReadTimeout,
		out:         make(chan Inbound, 256),
		log:         zap.NewNop(),
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Inbound is closed once Serve returns and all connections are done.
func (l *Listener) Inbound() <-chan Inbound {
	return l.out
}

// Serve accepts connections until ctx is cancelled.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()
	defer func() {
		l.wg.Wait()
		close(l.out)
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.log.Warn("accept failed", zap.Error(err))
			continue
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(ctx, conn)
		}()
	}
}

func remoteHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	source := remoteHost(conn)

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), l.maxLine)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(l.readTimeout))
		if !sc.Scan() {
			if errors.Is(sc.Err(), bufio.ErrTooLong) {
				l.log.Warn("oversized line, dropping connection", zap.String("source", source))
			}
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if l.gate != nil && !l.gate(source) {
			if !l.reply(conn, RateLimitedToken) {
				return
			}
			continue
		}
		select {
		case l.out <- Inbound{From: source, Line: line}:
		case <-ctx.Done():
			return
		}
		if !l.reply(conn, AckToken) {
			return
		}
	}
}

func (l *Listener) reply(conn net.Conn, token string) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(l.readTimeout))
	if _, err := conn.Write([]byte(token + "\n")); err != nil {
		l.log.Debug("reply failed", zap.Error(err))
		return false
	}
	return true
}
