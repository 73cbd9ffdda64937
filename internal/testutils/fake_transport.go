package testutils

import (
	"context"
	"sync"

	"github.com/srg/ionlink/internal/device"
	"github.com/srg/ionlink/internal/frame"
)

// Responder answers a frame written to a FakeTransport. The returned frames
// are delivered back through onData in order.
type Responder func(f *frame.Frame) []*frame.Frame

// FakeTransport is an in-memory device.Transport. Every write is decoded and
// recorded, and optionally answered by a Responder.
type FakeTransport struct {
	kind device.TransportKind

	mu           sync.Mutex
	onData       func([]byte)
	connected    bool
	written      []*frame.Frame
	responder    Responder
	writeErr     error
	connectErr   error
	disconnected chan struct{}
	closeOnce    sync.Once
	connects     int
}

func NewFakeTransport(kind device.TransportKind) *FakeTransport {
	return &FakeTransport{kind: kind, disconnected: make(chan struct{})}
}

// WithResponder sets the function answering written frames.
func (t *FakeTransport) WithResponder(r Responder) *FakeTransport {
	t.mu.Lock()
	t.responder = r
	t.mu.Unlock()
	return t
}

// FailWrites makes every later Write return err. Pass nil to heal.
func (t *FakeTransport) FailWrites(err error) {
	t.mu.Lock()
	t.writeErr = err
	t.mu.Unlock()
}

// FailConnect makes Connect return err.
func (t *FakeTransport) FailConnect(err error) {
	t.mu.Lock()
	t.connectErr = err
	t.mu.Unlock()
}

func (t *FakeTransport) Kind() device.TransportKind { return t.kind }

func (t *FakeTransport) Connect(_ context.Context, _ string, onData func([]byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	if t.connectErr != nil {
		return t.connectErr
	}
	t.onData = onData
	t.connected = true
	return nil
}

func (t *FakeTransport) Write(_ context.Context, data []byte) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return device.ErrLinkLost
	}
	if t.writeErr != nil {
		err := t.writeErr
		t.mu.Unlock()
		return err
	}
	f, err := frame.Decode(data)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.written = append(t.written, f)
	responder := t.responder
	t.mu.Unlock()

	if responder != nil {
		for _, r := range responder(f) {
			t.Inject(r)
		}
	}
	return nil
}

// Inject delivers f to the connected reader as if the device had sent it.
func (t *FakeTransport) Inject(f *frame.Frame) {
	data, err := frame.Encode(f)
	if err != nil {
		panic(err)
	}
	t.mu.Lock()
	onData := t.onData
	t.mu.Unlock()
	if onData != nil {
		onData(data)
	}
}

func (t *FakeTransport) Disconnect() error {
	t.mu.Lock()
	t.connected = false
	t.onData = nil
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.disconnected) })
	return nil
}

// Drop simulates the remote side vanishing.
func (t *FakeTransport) Drop() { _ = t.Disconnect() }

func (t *FakeTransport) Disconnected() <-chan struct{} { return t.disconnected }

// Written returns the frames written so far.
func (t *FakeTransport) Written() []*frame.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*frame.Frame(nil), t.written...)
}

// WrittenTypes returns the type of each written frame, in order.
func (t *FakeTransport) WrittenTypes() []frame.Type {
	var types []frame.Type
	for _, f := range t.Written() {
		types = append(types, f.Type)
	}
	return types
}

func (t *FakeTransport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

// Ack answers every frame with an empty ack.
func Ack(f *frame.Frame) []*frame.Frame {
	reply, _ := f.Reply(frame.TypeAck, 0, nil)
	return []*frame.Frame{reply}
}
