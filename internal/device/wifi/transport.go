// Package wifi is the operational link to a provisioned filter: TLS over TCP
// on the home network.
package wifi

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/ionlink/internal/device"
	"github.com/srg/ionlink/internal/groutine"
)

// DialFunc opens the raw connection. Tests substitute net.Pipe.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type Options struct {
	ConnectTimeout time.Duration `default:"10s"`
	WriteTimeout   time.Duration `default:"5s"`
	ReadBuffer     int           `default:"4096"`

	// TLS configures the handshake. A nil config requires TLS 1.2 and the
	// system roots.
	TLS *tls.Config
	// Dial replaces the TLS dialer entirely when set.
	Dial DialFunc
}

type Transport struct {
	logger *logrus.Logger
	opts   Options

	mu   sync.Mutex
	conn net.Conn
	done chan struct{}
	once *sync.Once
}

func NewTransport(logger *logrus.Logger, opts *Options) *Transport {
	o := Options{}
	defaults.SetDefaults(&o)
	if opts != nil {
		if opts.ConnectTimeout > 0 {
			o.ConnectTimeout = opts.ConnectTimeout
		}
		if opts.WriteTimeout > 0 {
			o.WriteTimeout = opts.WriteTimeout
		}
		if opts.ReadBuffer > 0 {
			o.ReadBuffer = opts.ReadBuffer
		}
		o.TLS, o.Dial = opts.TLS, opts.Dial
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	done := make(chan struct{})
	close(done)
	return &Transport{logger: logger, opts: o, done: done, once: &sync.Once{}}
}

func (t *Transport) Kind() device.TransportKind { return device.TransportWiFi }

func (t *Transport) dial(ctx context.Context, address string) (net.Conn, error) {
	if t.opts.Dial != nil {
		return t.opts.Dial(ctx, "tcp", address)
	}
	cfg := t.opts.TLS
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	d := &tls.Dialer{NetDialer: &net.Dialer{}, Config: cfg}
	return d.DialContext(ctx, "tcp", address)
}

// Connect dials address and starts the read loop.
func (t *Transport) Connect(ctx context.Context, address string, onData func([]byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return &device.TransportError{Kind: device.TransportRejected, Msg: "already connected"}
	}

	t.logger.WithFields(logrus.Fields{
		"address": address,
		"timeout": t.opts.ConnectTimeout,
	}).Info("Connecting to filter over WiFi...")

	dialCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	conn, err := t.dial(dialCtx, address)
	if err != nil {
		return classifyDialError(address, err)
	}

	t.conn = conn
	t.done = make(chan struct{})
	t.once = &sync.Once{}

	done, once := t.done, t.once
	groutine.Go(context.Background(), "wifi-read-loop", func(context.Context) {
		defer once.Do(func() { close(done) })
		buf := make([]byte, t.opts.ReadBuffer)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				onData(chunk)
			}
			if err != nil {
				select {
				case <-done:
				default:
					t.logger.WithFields(logrus.Fields{"address": address, "error": err}).Warn("WiFi link dropped")
				}
				return
			}
		}
	})

	t.logger.WithField("address", address).Info("WiFi operational link established")
	return nil
}

func classifyDialError(address string, err error) error {
	msg := "dial " + address
	var (
		recordErr tls.RecordHeaderError
		certErr   *tls.CertificateVerificationError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &device.TransportError{Kind: device.TransportTimeout, Msg: msg, Err: err}
	case errors.As(err, &recordErr), errors.As(err, &certErr):
		return &device.TransportError{Kind: device.TransportRejected, Msg: msg, Err: err}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &device.TransportError{Kind: device.TransportUnreachable, Msg: msg, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &device.TransportError{Kind: device.TransportTimeout, Msg: msg, Err: err}
	}
	return &device.TransportError{Kind: device.TransportUnreachable, Msg: msg, Err: err}
}

// Write sends data whole. The deadline is the earlier of ctx's and
// WriteTimeout.
func (t *Transport) Write(ctx context.Context, data []byte) error {
	t.mu.Lock()
	conn, done := t.conn, t.done
	t.mu.Unlock()

	if conn == nil {
		return device.ErrNotConnected
	}
	select {
	case <-done:
		return &device.TransportError{Kind: device.TransportLinkLost, Msg: "write after link loss"}
	default:
	}

	deadline := time.Now().Add(t.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return &device.TransportError{Kind: device.TransportLinkLost, Err: err}
	}
	if _, err := conn.Write(data); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return &device.TransportError{Kind: device.TransportTimeout, Msg: "write", Err: err}
		}
		return &device.TransportError{Kind: device.TransportLinkLost, Msg: "write", Err: err}
	}
	return nil
}

// Disconnect closes the connection. It is safe to call repeatedly.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	conn, once, done := t.conn, t.once, t.done
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	once.Do(func() { close(done) })
	t.logger.Info("Disconnecting WiFi operational link...")
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close wifi link: %w", err)
	}
	return nil
}

func (t *Transport) Disconnected() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}
