package link

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"
	"github.com/srg/ionlink/internal/device"
	"github.com/srg/ionlink/internal/frame"
	"github.com/srg/ionlink/internal/ringchan"
)

type subscription struct {
	types []frame.Type
	rc    *ringchan.RingChannel[*frame.Frame]
}

func (s *subscription) wants(t frame.Type) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

// Request sends a frame and waits for the frame whose Ref is its sequence.
// A nack reply is returned together with a TransportError of kind Nack that
// carries the device's code and reason.
func (l *Link) Request(ctx context.Context, t frame.Type, payload any) (*frame.Frame, error) {
	ctx, cancel := l.bound(ctx)
	defer cancel()

	ob, err := l.enqueue(ctx, t, 0, payload, true)
	if err != nil {
		return nil, err
	}
	defer l.forget(ob.seq)

	select {
	case reply := <-ob.reply:
		if reply.Type == frame.TypeNack {
			var n frame.Nack
			if err := reply.Decode(&n); err != nil {
				return reply, &device.TransportError{Kind: device.TransportNack, Code: frame.NackBadFrame, Err: err}
			}
			return reply, &device.TransportError{Kind: device.TransportNack, Code: n.Code, Msg: n.Reason}
		}
		return reply, nil
	case err := <-ob.result:
		return nil, err
	case <-ctx.Done():
		return nil, l.waitError(ctx, fmt.Sprintf("no reply to %s#%d", t, ob.seq))
	case <-l.ctx.Done():
		return nil, ErrClosed
	}
}

// Send writes a frame without waiting for a reply. It returns once the frame
// has been written to the active transport.
func (l *Link) Send(ctx context.Context, t frame.Type, payload any) error {
	return l.send(ctx, t, 0, payload)
}

// Reply answers an inbound frame, typically with an ack.
func (l *Link) Reply(ctx context.Context, to *frame.Frame, t frame.Type, payload any) error {
	return l.send(ctx, t, to.Seq, payload)
}

func (l *Link) send(ctx context.Context, t frame.Type, ref uint32, payload any) error {
	ctx, cancel := l.bound(ctx)
	defer cancel()

	ob, err := l.enqueue(ctx, t, ref, payload, false)
	if err != nil {
		return err
	}
	select {
	case err := <-ob.result:
		return err
	case <-ctx.Done():
		l.forget(ob.seq)
		return l.waitError(ctx, fmt.Sprintf("%s#%d not written", t, ob.seq))
	case <-l.ctx.Done():
		return ErrClosed
	}
}

// Subscribe returns a stream of inbound frames of the given types that are
// not replies to a pending Request. With no types every such frame is
// delivered. A slow subscriber loses its oldest frames; the read path never
// blocks.
func (l *Link) Subscribe(types ...frame.Type) (<-chan *frame.Frame, func()) {
	rc := ringchan.New[*frame.Frame](l.opts.SubscriberBuffer)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		rc.Close()
		return rc.C(), func() {}
	}
	id := l.nextSub
	l.nextSub++
	l.subs[id] = &subscription{types: types, rc: rc}
	l.mu.Unlock()

	return rc.C(), func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
		rc.Close()
	}
}

func (l *Link) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.opts.RequestTimeout)
}

func (l *Link) waitError(ctx context.Context, msg string) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return &device.TransportError{Kind: device.TransportTimeout, Msg: msg, Err: ctx.Err()}
}

func (l *Link) enqueue(ctx context.Context, t frame.Type, ref uint32, payload any, awaitReply bool) (*outbound, error) {
	seq := l.seq.Add(1)
	f, err := frame.New(t, seq, payload)
	if err != nil {
		return nil, err
	}
	f.Ref = ref
	data, err := frame.Encode(f)
	if err != nil {
		return nil, err
	}

	ob := &outbound{
		seq:        seq,
		typ:        t,
		data:       data,
		ctx:        ctx,
		awaitReply: awaitReply,
		reply:      make(chan *frame.Frame, 1),
		result:     make(chan error, 1),
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	l.journal.Set(seq, ob)
	l.mu.Unlock()

	select {
	case l.queue <- ob:
		return ob, nil
	case <-ctx.Done():
		l.forget(seq)
		return nil, l.waitError(ctx, fmt.Sprintf("send queue full for %s", t))
	case <-l.ctx.Done():
		return nil, ErrClosed
	}
}

func (l *Link) forget(seq uint32) {
	l.mu.Lock()
	l.journal.Delete(seq)
	l.mu.Unlock()
}

func (l *Link) markWritten(ob *outbound) {
	l.mu.Lock()
	ob.written = true
	if !ob.awaitReply {
		l.journal.Delete(ob.seq)
	}
	l.mu.Unlock()
	if !ob.awaitReply {
		ob.finish(nil)
	}
}

func (l *Link) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ob := <-l.queue:
			l.write(ob)
		}
	}
}

func (l *Link) write(ob *outbound) {
	if ob.ctx.Err() != nil {
		l.forget(ob.seq)
		return
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	if _, live := l.journal.Get(ob.seq); !live {
		l.mu.Unlock()
		return
	}
	t, gen := l.transport, l.gen
	if t == nil {
		ob.parked = true
		l.mu.Unlock()
		l.logger.WithField("frame", ob.typ).Debug("No transport, frame parked")
		return
	}
	if ob.written {
		// already replayed by a swap while it sat in the queue
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	err := t.Write(ob.ctx, ob.data)
	switch {
	case err == nil:
		l.markWritten(ob)
	case ob.ctx.Err() != nil:
		l.forget(ob.seq)
		ob.finish(err)
	case errors.Is(err, device.ErrLinkLost):
		l.mu.Lock()
		ob.parked = true
		l.mu.Unlock()
		l.lost(gen, err)
	default:
		l.forget(ob.seq)
		ob.finish(err)
	}
}

// receiver returns the onData callback for transport generation gen. Data
// from a transport that has since been replaced is discarded.
func (l *Link) receiver(gen uint64, reasm *frame.Reassembler) func([]byte) {
	return func(chunk []byte) {
		l.mu.Lock()
		stale := l.closed || gen < l.gen
		l.mu.Unlock()
		if stale {
			return
		}

		frames, err := reasm.Feed(chunk)
		if err != nil {
			l.logger.WithFields(logrus.Fields{
				"error":     err,
				"discarded": reasm.Discarded,
			}).Warn("Inbound stream corrupted, resynchronising")
		}
		for _, f := range frames {
			l.dispatch(f)
		}
	}
}

func (l *Link) dispatch(f *frame.Frame) {
	l.mu.Lock()
	if f.Ref != 0 {
		if ob, ok := l.journal.Get(f.Ref); ok && ob.awaitReply {
			l.mu.Unlock()
			select {
			case ob.reply <- f:
			default:
			}
			return
		}
	}
	var targets []*ringchan.RingChannel[*frame.Frame]
	for _, sub := range l.subs {
		if sub.wants(f.Type) {
			targets = append(targets, sub.rc)
		}
	}
	l.mu.Unlock()

	if len(targets) == 0 {
		l.logger.WithField("frame", f.String()).Debug("Inbound frame has no subscriber")
		return
	}
	for _, rc := range targets {
		if rc.Send(f) {
			l.logger.WithField("frame", f.String()).Debug("Subscriber backlog full, oldest frame overwritten")
		}
	}
}
