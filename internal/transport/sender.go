package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

const (
	AckToken         = "OK"
	RateLimitedToken = "RATE_LIMITED"

	DefaultOnionPort   = 80
	DefaultSendTimeout = 30 * time.Second
)

var ErrNoAck = errors.New("peer did not acknowledge")

// EnsureOnionSuffix appends ".onion" to bare v3 hashes (no dot, at least 50 chars).
func EnsureOnionSuffix(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return trimmed
	}
	if !strings.Contains(trimmed, ".") && len(trimmed) >= 50 {
		return trimmed + ".onion"
	}
	return trimmed
}

func IsOnion(address string) bool {
	return strings.HasSuffix(strings.TrimSpace(address), ".onion")
}

// Sender delivers one line per connection and waits for a one line acknowledgement.
// Onion addresses go through the SOCKS5 proxy; "host:port" addresses are dialled directly.
type Sender struct {
	onionDialer proxy.ContextDialer
	direct      *net.Dialer
	onionPort   int
	timeout     time.Duration
}

// NewSender builds a sender. An empty socksAddr disables onion delivery.
func NewSender(socksAddr string, onionPort int, timeout time.Duration) (*Sender, error) {
	if onionPort <= 0 {
		onionPort = DefaultOnionPort
	}
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	s := &Sender{
		direct:    &net.Dialer{Timeout: timeout},
		onionPort: onionPort,
		timeout:   timeout,
	}
	if socksAddr != "" {
		d, err := proxy.SOCKS5("tcp", socksAddr, nil, s.direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("socks5 dialer does not support contexts")
		}
		s.onionDialer = cd
	}
	return s, nil
}

func (s *Sender) dial(ctx context.Context, address string) (net.Conn, error) {
	address = EnsureOnionSuffix(address)
	if IsOnion(address) {
		if s.onionDialer == nil {
			return nil, fmt.Errorf("no socks proxy configured for %s", address)
		}
		return s.onionDialer.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(s.onionPort)))
	}
	return s.direct.DialContext(ctx, "tcp", address)
}

// Send writes payload as one line to address and requires an "OK" reply.
func (s *Sender) Send(ctx context.Context, address, payload string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	conn, err := s.dial(ctx, address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}

	if _, err := conn.Write([]byte(strings.TrimRight(payload, "\r\n") + "\n")); err != nil {
		return fmt.Errorf("write %s: %w", address, err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && reply == "" {
		return fmt.Errorf("%w: %s: %v", ErrNoAck, address, err)
	}
	if token := strings.TrimSpace(reply); token != AckToken {
		return fmt.Errorf("%w: %s replied %q", ErrNoAck, address, token)
	}
	return nil
}
