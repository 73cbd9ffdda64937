package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/ionlink/internal/device"
	"github.com/srg/ionlink/internal/groutine"
)

// Nordic UART service used by the filter's setup firmware. RX is written by
// the app, TX notifies the app.
var (
	UARTServiceUUID = ble.MustParse("6E400001-B5A3-F393-E0A9-E50E24DCCA9E")
	UARTRxCharUUID  = ble.MustParse("6E400002-B5A3-F393-E0A9-E50E24DCCA9E")
	UARTTxCharUUID  = ble.MustParse("6E400003-B5A3-F393-E0A9-E50E24DCCA9E")
)

// DeviceFactory creates the host BLE device (can be overridden in tests).
//
//nolint:revive // exported for test substitution
var DeviceFactory = defaultDevice

// Options tune the setup link.
type Options struct {
	ConnectTimeout time.Duration `default:"10s"`
	// ChunkSize is the ATT payload per write: MTU 23 minus the 3-byte header.
	ChunkSize int `default:"20"`
	// ChunkDelay paces consecutive chunks. Zero keeps the default; use
	// NoChunkDelay to write back to back.
	ChunkDelay time.Duration `default:"10ms"`
}

// NoChunkDelay disables pacing between chunks.
const NoChunkDelay time.Duration = -1

// Transport is the BLE GATT setup link to a filter.
type Transport struct {
	logger *logrus.Logger
	opts   Options

	writeMutex sync.Mutex
	connMutex  sync.RWMutex
	client     ble.Client
	rx         *ble.Characteristic
	tx         *ble.Characteristic
	done       chan struct{}
	closeOnce  *sync.Once
}

// NewTransport creates an unconnected BLE transport. A nil opts uses defaults.
func NewTransport(logger *logrus.Logger, opts *Options) *Transport {
	o := Options{}
	defaults.SetDefaults(&o)
	if opts != nil {
		if opts.ConnectTimeout > 0 {
			o.ConnectTimeout = opts.ConnectTimeout
		}
		if opts.ChunkSize > 0 {
			o.ChunkSize = opts.ChunkSize
		}
		switch {
		case opts.ChunkDelay > 0:
			o.ChunkDelay = opts.ChunkDelay
		case opts.ChunkDelay < 0:
			o.ChunkDelay = 0
		}
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	done := make(chan struct{})
	close(done)
	return &Transport{logger: logger, opts: o, done: done, closeOnce: &sync.Once{}}
}

// Options returns the effective options.
func (t *Transport) Options() Options { return t.opts }

func (t *Transport) Kind() device.TransportKind { return device.TransportBLE }

// Connect dials address, locates the UART service and subscribes to TX.
func (t *Transport) Connect(ctx context.Context, address string, onData func([]byte)) error {
	t.connMutex.Lock()
	defer t.connMutex.Unlock()

	if strings.TrimSpace(address) == "" {
		return &device.TransportError{Kind: device.TransportUnreachable, Msg: "empty address"}
	}
	if t.client != nil {
		return &device.TransportError{Kind: device.TransportRejected, Msg: "already connected"}
	}

	t.logger.WithFields(logrus.Fields{
		"address": address,
		"timeout": t.opts.ConnectTimeout,
	}).Info("Connecting to filter over BLE...")

	dev, err := DeviceFactory()
	if err != nil {
		return NormalizeError(fmt.Errorf("create BLE device: %w", err))
	}

	connCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	client, err := dev.Dial(connCtx, ble.NewAddr(address))
	if err != nil {
		t.logger.WithFields(logrus.Fields{"address": address, "error": err}).Warn("BLE dial failed")
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(connCtx.Err(), context.DeadlineExceeded) {
			return &device.TransportError{Kind: device.TransportTimeout, Msg: "dial " + address, Err: err}
		}
		return &device.TransportError{Kind: device.TransportUnreachable, Msg: "dial " + address, Err: err}
	}

	rx, tx, err := findUART(client)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			t.logger.WithField("error", cancelErr).Warn("Failed to cancel connection after discovery failure")
		}
		return err
	}

	handler := func(data []byte) {
		chunk := make([]byte, len(data))
		copy(chunk, data)
		onData(chunk)
	}
	if err := client.Subscribe(tx, false, handler); err != nil {
		_ = client.CancelConnection()
		return &device.TransportError{Kind: device.TransportRejected, Msg: "subscribe TX", Err: err}
	}

	t.client, t.rx, t.tx = client, rx, tx
	t.done = make(chan struct{})
	t.closeOnce = &sync.Once{}

	if watcher, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		done, once := t.done, t.closeOnce
		groutine.Go(context.Background(), "ble-link-monitor", func(context.Context) {
			select {
			case <-watcher.Disconnected():
				t.logger.WithField("address", address).Warn("BLE link dropped")
				once.Do(func() { close(done) })
			case <-done:
			}
		})
	}

	t.logger.WithField("address", address).Info("BLE setup link established")
	return nil
}

func findUART(client ble.Client) (rx, tx *ble.Characteristic, err error) {
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		return nil, nil, &device.TransportError{Kind: device.TransportRejected, Msg: "discover profile", Err: err}
	}
	for _, svc := range profile.Services {
		if !svc.UUID.Equal(UARTServiceUUID) {
			continue
		}
		for _, c := range svc.Characteristics {
			switch {
			case c.UUID.Equal(UARTRxCharUUID):
				rx = c
			case c.UUID.Equal(UARTTxCharUUID):
				tx = c
			}
		}
	}
	if rx == nil || tx == nil {
		return nil, nil, &device.TransportError{Kind: device.TransportRejected, Msg: "UART service not found"}
	}
	return rx, tx, nil
}

// Write sends data to RX in ChunkSize pieces. Writes are serialised so the
// chunks of two frames never interleave.
func (t *Transport) Write(ctx context.Context, data []byte) error {
	t.connMutex.RLock()
	client, rx, done := t.client, t.rx, t.done
	t.connMutex.RUnlock()

	if client == nil {
		return device.ErrNotConnected
	}

	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()

	for off := 0; off < len(data); off += t.opts.ChunkSize {
		end := off + t.opts.ChunkSize
		if end > len(data) {
			end = len(data)
		}
		select {
		case <-done:
			return &device.TransportError{Kind: device.TransportLinkLost, Msg: "write after link loss"}
		case <-ctx.Done():
			return &device.TransportError{Kind: device.TransportTimeout, Msg: "write", Err: ctx.Err()}
		default:
		}
		if err := client.WriteCharacteristic(rx, data[off:end], true); err != nil {
			return NormalizeError(err)
		}
		if end < len(data) && t.opts.ChunkDelay > 0 {
			time.Sleep(t.opts.ChunkDelay)
		}
	}
	return nil
}

// Disconnect unsubscribes and drops the link. It is safe to call repeatedly.
func (t *Transport) Disconnect() error {
	t.connMutex.Lock()
	client, tx, once, done := t.client, t.tx, t.closeOnce, t.done
	t.client, t.rx, t.tx = nil, nil, nil
	t.connMutex.Unlock()

	if client == nil {
		return nil
	}
	once.Do(func() { close(done) })

	t.logger.Info("Disconnecting BLE setup link...")
	var errs []error
	if err := client.Unsubscribe(tx, false); err != nil {
		errs = append(errs, fmt.Errorf("unsubscribe TX: %w", err))
	}
	if err := client.CancelConnection(); err != nil {
		errs = append(errs, fmt.Errorf("cancel connection: %w", err))
	}
	if len(errs) > 0 {
		t.logger.WithField("error", errors.Join(errs...)).Warn("BLE disconnect was not clean")
	}
	return errors.Join(errs...)
}

func (t *Transport) Disconnected() <-chan struct{} {
	t.connMutex.RLock()
	defer t.connMutex.RUnlock()
	return t.done
}
