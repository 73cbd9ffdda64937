package simulator

import (
	"context"
	"sync"

	"github.com/srg/ionlink/internal/device"
	"github.com/srg/ionlink/internal/frame"
	"github.com/srg/ionlink/internal/groutine"
	"github.com/srg/ionlink/internal/ringchan"
)

const deliveryBacklog = 256

// Transport connects the app side to a simulated Device. Inbound frames are
// delivered on their own goroutine, like notifications from a radio.
type Transport struct {
	dev  *Device
	kind device.TransportKind

	mu           sync.Mutex
	connected    bool
	out          *ringchan.RingChannel[[]byte]
	cancel       context.CancelFunc
	disconnected chan struct{}
	closeOnce    sync.Once
}

// NewTransport returns a transport of the given kind reaching dev.
func NewTransport(dev *Device, kind device.TransportKind) *Transport {
	return &Transport{dev: dev, kind: kind, disconnected: make(chan struct{})}
}

func (t *Transport) Kind() device.TransportKind { return t.kind }

func (t *Transport) Connect(ctx context.Context, _ string, onData func([]byte)) error {
	if err := ctx.Err(); err != nil {
		return &device.TransportError{Kind: device.TransportTimeout, Err: err}
	}
	if err := t.dev.attach(t); err != nil {
		return err
	}

	out := ringchan.New[[]byte](deliveryBacklog)
	loopCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.connected = true
	t.out = out
	t.cancel = cancel
	t.mu.Unlock()

	groutine.Go(loopCtx, "sim-"+string(t.kind)+"-deliver", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-out.C():
				if !ok {
					return
				}
				onData(data)
			}
		}
	})
	return nil
}

func (t *Transport) Write(_ context.Context, data []byte) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return device.ErrLinkLost
	}

	f, err := frame.Decode(data)
	if err != nil {
		return &device.TransportError{Kind: device.TransportRejected, Msg: "device could not parse frame", Err: err}
	}
	t.dev.handle(f)
	return nil
}

func (t *Transport) deliver(data []byte) {
	t.mu.Lock()
	out := t.out
	t.mu.Unlock()
	if out != nil {
		out.Send(data)
	}
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.connected = false
	out, cancel := t.out, t.cancel
	t.out, t.cancel = nil, nil
	t.mu.Unlock()

	t.dev.detach(t)
	if cancel != nil {
		cancel()
	}
	if out != nil {
		out.Close()
	}
	t.closeOnce.Do(func() { close(t.disconnected) })
	return nil
}

func (t *Transport) Disconnected() <-chan struct{} { return t.disconnected }
