package pairing

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/ionlink/internal/device"
	"github.com/srg/ionlink/internal/frame"
	"github.com/srg/ionlink/internal/link"
	"github.com/srg/ionlink/internal/seal"
)

// handshake is what a successful association attempt leaves behind.
type handshake struct {
	link   *link.Link
	beacon frame.Beacon
	acks   <-chan *frame.Frame
	unsub  func()
}

// Select pairs with the chosen candidate and joins it to the chosen
// network. It blocks until the machine is Paired or Failed. A guard
// failure leaves the machine in Discovering.
func (m *Machine) Select(ctx context.Context, sel Selection) error {
	s, err := m.begin(ctx, sel)
	if err != nil {
		return err
	}
	log := m.logger.WithFields(logrus.Fields{
		"session":   s.id,
		"candidate": sel.Candidate.Name,
		"ssid":      sel.Network.SSID,
	})

	hs, err := m.associate(s.ctx, s, log)
	if err != nil {
		return err
	}
	defer hs.unsub()

	ack, err := m.awaitAck(s.ctx, s, hs, log)
	if err != nil {
		return err
	}

	return m.complete(s.ctx, s, hs, ack, log)
}

// begin checks the guards and opens a session.
func (m *Machine) begin(ctx context.Context, sel Selection) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		return nil, ErrSessionActive
	}
	if m.state != device.Discovering {
		return nil, fmt.Errorf("%w: select in %s", ErrInvalidState, m.state)
	}
	if m.deps.BLE == nil {
		return nil, ErrNoTransport
	}
	if !m.discoveredLocked(sel.Candidate) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, sel.Candidate.Name)
	}
	if sel.Candidate.Signal < m.opts.MinSignal {
		return nil, fmt.Errorf("%w: %s at %d, need %d", ErrSignalTooWeak, sel.Candidate.Name, sel.Candidate.Signal, m.opts.MinSignal)
	}
	if sel.Network.Secured && utf8.RuneCountInString(sel.Credential) < m.opts.MinCredentialLength {
		return nil, &device.PairingError{
			Kind: device.PairingInvalidCredential,
			Msg:  fmt.Sprintf("%s needs a credential of at least %d characters", sel.Network.SSID, m.opts.MinCredentialLength),
		}
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &session{id: newSessionID(), selection: sel, ctx: sctx, cancel: cancel}
	m.session = s
	m.handedOff = nil
	m.info = device.Info{Transport: device.TransportNone}
	m.transitionLocked(device.Associating, nil)
	return s, nil
}

func (m *Machine) discoveredLocked(c device.Candidate) bool {
	for _, known := range m.candidates {
		if known.Address == c.Address && known.Name == c.Name {
			return true
		}
	}
	return false
}

// associate runs up to HandshakeAttempts attempts of connect, hello and
// credential handoff, backing off exponentially between them.
func (m *Machine) associate(ctx context.Context, s *session, log *logrus.Entry) (*handshake, error) {
	keys, err := seal.GenerateKey()
	if err != nil {
		return nil, m.fail(s, &device.PairingError{Kind: device.PairingHandshakeTimeout, Err: err})
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.opts.BackoffBase
	policy.Multiplier = m.opts.BackoffFactor
	policy.RandomizationFactor = 0
	policy.MaxInterval = m.opts.BackoffBase * time.Duration(1<<uint(m.opts.HandshakeAttempts))

	hs, err := backoff.Retry(ctx, func() (*handshake, error) {
		m.mu.Lock()
		s.attempts++
		attempt := s.attempts
		m.mu.Unlock()

		hs, err := m.attempt(ctx, s, keys, log.WithField("attempt", attempt))
		if err == nil {
			return hs, nil
		}
		var pe *device.PairingError
		if errors.As(err, &pe) || ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(m.opts.HandshakeAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.WithFields(logrus.Fields{"error": err, "retry_in": wait}).Warn("Handshake attempt failed")
		}),
	)
	if err == nil {
		return hs, nil
	}

	if ctx.Err() != nil {
		return nil, m.abandoned(s)
	}
	var pe *device.PairingError
	if errors.As(err, &pe) {
		return nil, m.fail(s, err)
	}
	return nil, m.fail(s, &device.PairingError{
		Kind: device.PairingHandshakeTimeout,
		Msg:  fmt.Sprintf("%d attempts", m.opts.HandshakeAttempts),
		Err:  err,
	})
}

// attempt is one association attempt on a fresh transport.
func (m *Machine) attempt(ctx context.Context, s *session, keys *seal.KeyPair, log *logrus.Entry) (*handshake, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()

	l := link.New(m.logger, &link.Options{RequestTimeout: m.opts.HandshakeTimeout})
	if !m.own(s, l) {
		_ = l.Close()
		return nil, m.abandoned(s)
	}
	discard := func() {
		m.disown(s, l)
		_ = l.Close()
	}

	sel := s.selection
	if err := l.Attach(ctx, m.deps.BLE(sel.Candidate), sel.Candidate.Address); err != nil {
		discard()
		return nil, err
	}

	reply, err := l.Request(ctx, frame.TypeHello, frame.Hello{SessionID: s.id, PublicKey: keys.Public})
	if err != nil {
		discard()
		return nil, err
	}
	var beacon frame.Beacon
	if err := reply.Decode(&beacon); err != nil {
		discard()
		return nil, &device.TransportError{Kind: device.TransportRejected, Msg: "malformed beacon", Err: err}
	}
	log.WithFields(logrus.Fields{"serial": beacon.Serial, "firmware": beacon.Firmware}).Info("Device answered hello")

	cred := frame.Credentials{SessionID: s.id, SSID: sel.Network.SSID, Secured: sel.Network.Secured}
	if sel.Network.Secured {
		cred.Nonce, cred.Sealed, err = keys.Seal(beacon.PublicKey, s.id, []byte(sel.Credential))
		if err != nil {
			discard()
			return nil, err
		}
	}

	// subscribe before the handoff so an early pair_ack is not missed
	acks, unsub := l.Subscribe(frame.TypePairAck)
	if _, err := l.Request(ctx, frame.TypeCredentials, cred); err != nil {
		unsub()
		discard()
		if errors.Is(err, &device.TransportError{Kind: device.TransportNack, Code: frame.NackInvalidCredential}) {
			return nil, &device.PairingError{Kind: device.PairingInvalidCredential, Msg: sel.Network.SSID, Err: err}
		}
		return nil, err
	}

	return &handshake{link: l, beacon: beacon, acks: acks, unsub: unsub}, nil
}

// own makes l the session's active link, unless the session has ended.
func (m *Machine) own(s *session, l *link.Link) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != s {
		return false
	}
	m.active = l
	return true
}

func (m *Machine) disown(s *session, l *link.Link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == s && m.active == l {
		m.active = nil
	}
}

// awaitAck waits AckWindow for a pair_ack that verifies against the
// beacon's signing key. Acks that do not verify are logged and ignored.
func (m *Machine) awaitAck(ctx context.Context, s *session, hs *handshake, log *logrus.Entry) (frame.PairAck, error) {
	if !m.advance(s, device.Associating, device.AwaitingDeviceAck) {
		return frame.PairAck{}, m.abandoned(s)
	}

	window := time.NewTimer(m.opts.AckWindow)
	defer window.Stop()

	for {
		select {
		case <-ctx.Done():
			return frame.PairAck{}, m.abandoned(s)
		case <-window.C:
			return frame.PairAck{}, m.fail(s, &device.PairingError{
				Kind: device.PairingAckTimeout,
				Msg:  fmt.Sprintf("no signed pair_ack within %s", m.opts.AckWindow),
			})
		case f, ok := <-hs.acks:
			if !ok {
				return frame.PairAck{}, m.abandoned(s)
			}
			ack, err := verifyAck(f, s.id, hs.beacon)
			if err != nil {
				log.WithFields(logrus.Fields{"frame": f.String(), "error": err}).Warn("Ignoring pair_ack")
				continue
			}
			return ack, nil
		}
	}
}

func verifyAck(f *frame.Frame, sessionID string, beacon frame.Beacon) (frame.PairAck, error) {
	var ack frame.PairAck
	if err := f.Decode(&ack); err != nil {
		return ack, err
	}
	if ack.SessionID != sessionID {
		return ack, fmt.Errorf("pair_ack for session %q", ack.SessionID)
	}
	if len(beacon.SigningKey) != ed25519.PublicKeySize {
		return ack, fmt.Errorf("beacon signing key is %d bytes", len(beacon.SigningKey))
	}
	if !ed25519.Verify(beacon.SigningKey, frame.PairAckMessage(sessionID, ack.Serial), ack.Signature) {
		return ack, errSignatureCheck
	}
	return ack, nil
}

// complete enters Paired and, when the device announced an operational
// address, moves the link onto WiFi. Failing to swap keeps BLE.
func (m *Machine) complete(ctx context.Context, s *session, hs *handshake, ack frame.PairAck, log *logrus.Entry) error {
	m.mu.Lock()
	if m.session != s || m.state != device.AwaitingDeviceAck {
		m.mu.Unlock()
		return m.abandoned(s)
	}
	m.info = device.Info{
		Serial:          ack.Serial,
		Transport:       hs.link.Kind(),
		FirmwareVersion: hs.beacon.Firmware,
		FilterHealth:    hs.beacon.FilterHealth,
	}
	m.session = nil
	m.transitionLocked(device.Paired, nil)
	m.mu.Unlock()
	s.cancel()
	m.watch(hs.link)

	log.WithFields(logrus.Fields{"serial": ack.Serial, "address": ack.Address}).Info("Device paired")

	if ack.Address == "" || m.deps.WiFi == nil {
		return nil
	}
	swapCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.HandshakeTimeout)
	defer cancel()
	if err := hs.link.Swap(swapCtx, m.deps.WiFi(ack.Address), ack.Address); err != nil {
		log.WithField("error", err).Warn("WiFi hand-over failed, staying on BLE")
		return nil
	}

	m.mu.Lock()
	if m.active == hs.link {
		m.info.Transport = hs.link.Kind()
	}
	m.mu.Unlock()
	return nil
}
