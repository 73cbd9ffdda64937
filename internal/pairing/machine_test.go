package pairing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/ionlink/internal/device"
	"github.com/srg/ionlink/internal/pairing"
	"github.com/srg/ionlink/internal/simulator"
	"github.com/srg/ionlink/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

const password = "correct-horse"

var home = device.Network{SSID: "HomeWiFi", Signal: 90, Secured: true}

type MachineSuite struct {
	suite.Suite
	helper  *testutils.TestHelper
	devices map[string]*simulator.Device

	mu         sync.Mutex
	transports []*simulator.Transport
}

func (s *MachineSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.devices = map[string]*simulator.Device{}
	s.transports = nil
	for addr, serial := range map[string]string{"sim-a723": "WF4872-A7", "sim-b456": "WF4872-B4"} {
		dev, err := simulator.New(s.helper.Logger, &simulator.Options{
			Serial:     serial,
			AckDelay:   10 * time.Millisecond,
			Credential: password,
		})
		s.Require().NoError(err)
		s.devices[addr] = dev
	}
}

func (s *MachineSuite) TearDownTest() {
	for _, dev := range s.devices {
		dev.Close()
	}
}

func (s *MachineSuite) fastOptions() *pairing.Options {
	return &pairing.Options{
		ScanTimeout:      200 * time.Millisecond,
		HandshakeTimeout: 150 * time.Millisecond,
		BackoffBase:      10 * time.Millisecond,
		AckWindow:        500 * time.Millisecond,
	}
}

func (s *MachineSuite) deps() pairing.Deps {
	return pairing.Deps{
		Discoverer: simulator.NewDiscoverer(simulator.SetupCandidates()...),
		BLE: func(c device.Candidate) device.Transport {
			t := simulator.NewTransport(s.devices[c.Address], device.TransportBLE)
			s.mu.Lock()
			s.transports = append(s.transports, t)
			s.mu.Unlock()
			return t
		},
	}
}

func (s *MachineSuite) lastTransport() *simulator.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.transports) == 0 {
		return nil
	}
	return s.transports[len(s.transports)-1]
}

// discovered powers m on and returns its candidates.
func (s *MachineSuite) discovered(m *pairing.Machine) []device.Candidate {
	s.Require().NoError(m.PowerOn(context.Background()))
	found, err := m.Discover(context.Background())
	s.Require().NoError(err, "discovery MUST succeed")
	return found
}

func (s *MachineSuite) newMachine(opts *pairing.Options) *pairing.Machine {
	m := pairing.New(s.helper.Logger, opts, s.deps())
	s.T().Cleanup(m.Close)
	return m
}

func drain(ch <-chan pairing.Transition) []device.PairingState {
	var states []device.PairingState
	for {
		select {
		case t := <-ch:
			states = append(states, t.To)
		case <-time.After(50 * time.Millisecond):
			return states
		}
	}
}

func (s *MachineSuite) TestProposesStrongestButPairsWithSelection() {
	// GOAL: candidates are proposed strongest first, yet the user's pick is the one paired
	//
	// TEST SCENARIO: A723(85) and B456(70) found → A723 listed first → select B456 → Paired with B456, A723 never contacted

	m := s.newMachine(s.fastOptions())
	transitions, cancel := m.Transitions()
	defer cancel()

	found := s.discovered(m)
	s.Require().Len(found, 2)
	s.Equal("Ionphor-setup-A723", found[0].Name, "strongest candidate MUST be proposed first")
	s.Equal("Ionphor-setup-B456", found[1].Name)
	s.Equal(device.Discovering, m.State(), "discovery MUST NOT select a candidate")

	err := m.Select(context.Background(), pairing.Selection{Candidate: found[1], Network: home, Credential: password})
	s.Require().NoError(err, "pairing MUST succeed")

	s.Equal(device.Paired, m.State())
	info := m.Info()
	s.Equal("WF4872-B4", info.Serial, "the selected device MUST be paired")
	s.Equal("v2.1.3", info.FirmwareVersion)
	s.Equal(87, info.FilterHealth)
	s.Equal(device.TransportBLE, info.Transport)
	s.Zero(s.devices["sim-a723"].Hellos(), "the unselected device MUST NOT be contacted")
	s.Equal("HomeWiFi", s.devices["sim-b456"].Joined())

	s.Equal([]device.PairingState{
		device.Discovering, device.Associating, device.AwaitingDeviceAck, device.Paired,
	}, drain(transitions), "transitions MUST follow the pairing path")
}

func (s *MachineSuite) TestGuardsKeepMachineDiscovering() {
	// GOAL: a selection failing a guard is refused without leaving Discovering
	//
	// TEST SCENARIO: weak signal → ErrSignalTooWeak; 7 character or 4 rune multibyte password → InvalidCredential; open network with no password → allowed past guards

	deps := s.deps()
	deps.Discoverer = simulator.NewDiscoverer(
		device.Candidate{Name: "Ionphor-setup-F001", Address: "sim-a723", Signal: 12, Transport: device.TransportBLE},
		device.Candidate{Name: "Ionphor-setup-B456", Address: "sim-b456", Signal: 70, Transport: device.TransportBLE},
	)
	m := pairing.New(s.helper.Logger, s.fastOptions(), deps)
	defer m.Close()
	found := s.discovered(m)

	err := m.Select(context.Background(), pairing.Selection{Candidate: found[1], Network: home, Credential: password})
	s.ErrorIs(err, pairing.ErrSignalTooWeak)
	s.Equal(device.Discovering, m.State(), "weak signal MUST leave the machine in Discovering")

	err = m.Select(context.Background(), pairing.Selection{Candidate: found[0], Network: home, Credential: "1234567"})
	s.ErrorIs(err, device.ErrInvalidCredential)
	s.Equal(device.Discovering, m.State(), "short credential MUST leave the machine in Discovering")

	// 12 bytes, 4 characters
	err = m.Select(context.Background(), pairing.Selection{Candidate: found[0], Network: home, Credential: "密码密码"})
	s.ErrorIs(err, device.ErrInvalidCredential, "credential length MUST be counted in characters")
	s.Equal(device.Discovering, m.State(), "short multibyte credential MUST leave the machine in Discovering")
	s.Zero(s.devices["sim-a723"].Hellos(), "a guarded selection MUST NOT reach the device")

	err = m.Select(context.Background(), pairing.Selection{Candidate: device.Candidate{Name: "Ionphor-setup-Z999", Address: "x", Signal: 99}, Network: home, Credential: password})
	s.ErrorIs(err, pairing.ErrUnknownDevice)

	open := device.Network{SSID: "Cafe", Signal: 80}
	s.NoError(m.Select(context.Background(), pairing.Selection{Candidate: found[0], Network: open}), "open networks need no credential")
	s.Equal(device.Paired, m.State())
}

func (s *MachineSuite) TestHandshakeRetriedThreeTimesThenFails() {
	// GOAL: association is attempted exactly HandshakeAttempts times before Failed(HandshakeTimeout)
	//
	// TEST SCENARIO: device ignores every hello → 3 hellos seen → Failed(HandshakeTimeout) → last transport released

	s.devices["sim-a723"].SetFaults(simulator.Faults{DropHellos: 100})
	m := s.newMachine(s.fastOptions())
	found := s.discovered(m)

	start := time.Now()
	err := m.Select(context.Background(), pairing.Selection{Candidate: found[0], Network: home, Credential: password})

	s.ErrorIs(err, device.ErrHandshakeTimeout)
	s.ErrorIs(m.Err(), device.ErrHandshakeTimeout)
	s.Equal(device.Failed, m.State())
	s.Equal(3, s.devices["sim-a723"].Hellos(), "exactly three attempts MUST be made")
	s.GreaterOrEqual(time.Since(start), 3*150*time.Millisecond, "attempts MUST be separated by backoff")

	select {
	case <-s.lastTransport().Disconnected():
	default:
		s.Fail("failed handshake MUST release the transport")
	}
}

func (s *MachineSuite) TestHandshakeRecoversWithinAttempts() {
	// GOAL: a transient handshake failure is retried and pairing still succeeds
	//
	// TEST SCENARIO: device drops the first two hellos → third attempt answered → Paired

	s.devices["sim-a723"].SetFaults(simulator.Faults{DropHellos: 2})
	m := s.newMachine(s.fastOptions())
	found := s.discovered(m)

	s.Require().NoError(m.Select(context.Background(), pairing.Selection{Candidate: found[0], Network: home, Credential: password}))
	s.Equal(device.Paired, m.State())
	s.Equal(3, s.devices["sim-a723"].Hellos())
}

func (s *MachineSuite) TestWrongPasswordFailsWithoutRetry() {
	// GOAL: a credential the device refuses ends pairing as InvalidCredential, not a retry
	//
	// TEST SCENARIO: password "wrong-password" → nack invalid_credential → Failed(InvalidCredential) after one hello

	m := s.newMachine(s.fastOptions())
	found := s.discovered(m)

	err := m.Select(context.Background(), pairing.Selection{Candidate: found[0], Network: home, Credential: "wrong-password"})
	s.ErrorIs(err, device.ErrInvalidCredential)
	s.Equal(device.Failed, m.State())
	s.Equal(1, s.devices["sim-a723"].Hellos(), "a refused credential MUST NOT be retried")
}

func (s *MachineSuite) TestAckWindowExpires() {
	// GOAL: no signed pair_ack within the window ends in Failed(AckTimeout)
	//
	// TEST SCENARIO: device joins but never sends pair_ack → AckWindow passes → Failed(AckTimeout), transport released

	s.devices["sim-a723"].SetFaults(simulator.Faults{NoPairAck: true})
	opts := s.fastOptions()
	opts.AckWindow = 100 * time.Millisecond
	m := s.newMachine(opts)
	found := s.discovered(m)

	err := m.Select(context.Background(), pairing.Selection{Candidate: found[0], Network: home, Credential: password})
	s.ErrorIs(err, device.ErrAckTimeout)
	s.Equal(device.Failed, m.State())

	select {
	case <-s.lastTransport().Disconnected():
	default:
		s.Fail("ack timeout MUST release the transport")
	}
}

func (s *MachineSuite) TestForgedAcksAreIgnored() {
	// GOAL: a pair_ack whose signature does not verify never completes pairing
	//
	// TEST SCENARIO: two forged acks precede the genuine one → machine ignores them → Paired

	s.devices["sim-a723"].SetFaults(simulator.Faults{ForgedPairAcks: 2})
	m := s.newMachine(s.fastOptions())
	found := s.discovered(m)

	s.Require().NoError(m.Select(context.Background(), pairing.Selection{Candidate: found[0], Network: home, Credential: password}))
	s.Equal(device.Paired, m.State())
}

func (s *MachineSuite) TestCancelReleasesTransportSynchronously() {
	// GOAL: cancelling a pairing attempt releases the transport before Cancel returns
	//
	// TEST SCENARIO: wait in AwaitingDeviceAck → Cancel → transport already disconnected → Select returns UserCancelled

	s.devices["sim-a723"].SetFaults(simulator.Faults{NoPairAck: true})
	opts := s.fastOptions()
	opts.AckWindow = 10 * time.Second
	m := s.newMachine(opts)
	found := s.discovered(m)

	result := make(chan error, 1)
	go func() {
		result <- m.Select(context.Background(), pairing.Selection{Candidate: found[0], Network: home, Credential: password})
	}()
	s.Require().Eventually(func() bool { return m.State() == device.AwaitingDeviceAck }, time.Second, 5*time.Millisecond)

	m.Cancel()

	select {
	case <-s.lastTransport().Disconnected():
	default:
		s.Fail("transport MUST be disconnected when Cancel returns")
	}
	s.Equal(device.Failed, m.State())
	s.ErrorIs(m.Err(), device.ErrUserCancelled)

	select {
	case err := <-result:
		s.ErrorIs(err, device.ErrUserCancelled, "in-flight Select MUST report the cancellation")
	case <-time.After(time.Second):
		s.Fail("Select MUST return after Cancel")
	}
}

func (s *MachineSuite) TestCancelAfterRepairReleasesTransport() {
	// GOAL: once a paired link was handed off and lost, the next session's transport is still owned and released by the machine
	//
	// TEST SCENARIO: pair A723 → Link() → link drops → Discovering → select B456 (no pair_ack) → Cancel → B456 transport disconnected

	m := s.newMachine(s.fastOptions())
	found := s.discovered(m)
	s.Require().NoError(m.Select(context.Background(), pairing.Selection{Candidate: found[0], Network: home, Credential: password}))

	handed, err := m.Link()
	s.Require().NoError(err)
	defer handed.Close()

	s.devices["sim-a723"].DropLink()
	s.Require().Eventually(func() bool { return m.State() == device.Discovering }, time.Second, 5*time.Millisecond)

	found, err = m.Discover(context.Background())
	s.Require().NoError(err, "rediscovery MUST succeed after link loss")

	s.devices["sim-b456"].SetFaults(simulator.Faults{NoPairAck: true})
	result := make(chan error, 1)
	go func() {
		result <- m.Select(context.Background(), pairing.Selection{Candidate: found[1], Network: home, Credential: password})
	}()
	s.Require().Eventually(func() bool { return m.State() == device.AwaitingDeviceAck }, time.Second, 5*time.Millisecond)
	second := s.lastTransport()

	m.Cancel()

	select {
	case <-second.Disconnected():
	default:
		s.Fail("the new session's transport MUST be released by Cancel after an earlier hand-off")
	}
	select {
	case err := <-result:
		s.ErrorIs(err, device.ErrUserCancelled)
	case <-time.After(time.Second):
		s.Fail("Select MUST return after Cancel")
	}
}

func (s *MachineSuite) TestCallerContextCancellationIsUserCancelled() {
	// GOAL: cancelling the ctx passed to Select fails the session as UserCancelled
	//
	// TEST SCENARIO: ctx cancelled during AwaitingDeviceAck → Failed(UserCancelled)

	s.devices["sim-a723"].SetFaults(simulator.Faults{NoPairAck: true})
	opts := s.fastOptions()
	opts.AckWindow = 10 * time.Second
	m := s.newMachine(opts)
	found := s.discovered(m)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for m.State() != device.AwaitingDeviceAck {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()

	err := m.Select(ctx, pairing.Selection{Candidate: found[0], Network: home, Credential: password})
	s.ErrorIs(err, device.ErrUserCancelled)
	s.True(errors.Is(err, context.Canceled), "cause MUST be preserved")
	s.Equal(device.Failed, m.State())
}

func (s *MachineSuite) TestSecondSelectWhileActiveIsRefused() {
	// GOAL: only one pairing session may be active at a time
	//
	// TEST SCENARIO: first Select waiting for ack → second Select → ErrSessionActive

	s.devices["sim-a723"].SetFaults(simulator.Faults{NoPairAck: true})
	opts := s.fastOptions()
	opts.AckWindow = 300 * time.Millisecond
	m := s.newMachine(opts)
	found := s.discovered(m)

	go func() {
		_ = m.Select(context.Background(), pairing.Selection{Candidate: found[0], Network: home, Credential: password})
	}()
	s.Require().Eventually(func() bool { return m.State() == device.AwaitingDeviceAck }, time.Second, 5*time.Millisecond)

	err := m.Select(context.Background(), pairing.Selection{Candidate: found[1], Network: home, Credential: password})
	s.ErrorIs(err, pairing.ErrSessionActive)
}

func (s *MachineSuite) TestHandsOverToWiFi() {
	// GOAL: a pair_ack naming an operational address moves the link onto WiFi
	//
	// TEST SCENARIO: device announces 10.0.0.7:8443 → WiFi factory used → Info reports wifi, link kind wifi

	dev, err := simulator.New(s.helper.Logger, &simulator.Options{AckDelay: 10 * time.Millisecond, Address: "10.0.0.7:8443"})
	s.Require().NoError(err)
	defer dev.Close()
	s.devices["sim-a723"] = dev

	var dialled string
	deps := s.deps()
	deps.WiFi = func(address string) device.Transport {
		dialled = address
		return simulator.NewTransport(dev, device.TransportWiFi)
	}
	m := pairing.New(s.helper.Logger, s.fastOptions(), deps)
	defer m.Close()
	found := s.discovered(m)

	s.Require().NoError(m.Select(context.Background(), pairing.Selection{Candidate: found[0], Network: home, Credential: password}))
	s.Equal("10.0.0.7:8443", dialled)
	s.Equal(device.TransportWiFi, m.Info().Transport, "paired device MUST be reached over WiFi")

	l, err := m.Link()
	s.Require().NoError(err)
	defer l.Close()
	s.Equal(device.TransportWiFi, l.Kind())
}

func (s *MachineSuite) TestLinkLossReturnsToDiscovering() {
	// GOAL: losing the link of a paired device sends the machine back to Discovering
	//
	// TEST SCENARIO: Paired → device drops link → Discovering with a LinkLost reason

	m := s.newMachine(s.fastOptions())
	transitions, cancel := m.Transitions()
	defer cancel()
	found := s.discovered(m)
	s.Require().NoError(m.Select(context.Background(), pairing.Selection{Candidate: found[0], Network: home, Credential: password}))

	s.devices["sim-a723"].DropLink()
	s.Require().Eventually(func() bool { return m.State() == device.Discovering }, time.Second, 5*time.Millisecond, "link loss MUST return to Discovering")

	var last pairing.Transition
	for t := range transitions {
		last = t
		if t.To == device.Discovering && t.From == device.Paired {
			break
		}
	}
	s.ErrorIs(last.Reason, device.ErrLinkLost)
	s.Equal(device.TransportNone, m.Info().Transport)
	_, err := m.Link()
	s.ErrorIs(err, pairing.ErrInvalidState, "no link MUST be handed out after loss")
}

func (s *MachineSuite) TestSetupSteps() {
	// GOAL: the wizard step follows the machine state
	//
	// TEST SCENARIO: power-on → scan-ionphor → connect-device → complete

	m := s.newMachine(s.fastOptions())
	step := func() pairing.SetupStep {
		steps, i := m.SetupSteps()
		return steps[i]
	}

	s.Equal(pairing.StepPowerOn, step())
	s.Require().NoError(m.PowerOn(context.Background()))
	s.Equal(pairing.StepScanIonphor, step())
	found, err := m.Discover(context.Background())
	s.Require().NoError(err)
	s.Equal(pairing.StepConnect, step())
	s.Require().NoError(m.Select(context.Background(), pairing.Selection{Candidate: found[0], Network: home, Credential: password}))
	s.Equal(pairing.StepComplete, step())
}

func TestMachineSuite(t *testing.T) {
	suite.Run(t, new(MachineSuite))
}

func TestCancelFromPoweredOff(t *testing.T) {
	// GOAL: Failed(UserCancelled) is reachable from any non-terminal state
	//
	// TEST SCENARIO: fresh machine → Cancel → Failed; second Cancel is a no-op; PowerOn refused

	m := pairing.New(nil, nil, pairing.Deps{})
	m.Cancel()
	assert.Equal(t, device.Failed, m.State())
	assert.ErrorIs(t, m.Err(), device.ErrUserCancelled)

	m.Cancel()
	assert.Equal(t, device.Failed, m.State(), "Failed MUST be terminal")
	assert.ErrorIs(t, m.PowerOn(context.Background()), pairing.ErrInvalidState)
}
