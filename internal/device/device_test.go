package device_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/srg/ionlink/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupCandidatesOrdering(t *testing.T) {
	// GOAL: setup candidates are filtered by prefix and proposed strongest first
	//
	// TEST SCENARIO: mixed scan → non-setup names dropped → A723(85) before B456(70)

	got := device.SetupCandidates([]device.Candidate{
		{Name: "Ionphor-setup-B456", Signal: 70, Secured: true},
		{Name: "HomeWiFi", Signal: 90, Secured: true},
		{Name: "Ionphor-setup-A723", Signal: 85, Secured: true},
		{Name: "NeighborWiFi", Signal: 60, Secured: true},
	})

	require.Len(t, got, 2, "only setup-prefixed candidates MUST remain")
	assert.Equal(t, "Ionphor-setup-A723", got[0].Name, "strongest candidate MUST be proposed first")
	assert.Equal(t, "Ionphor-setup-B456", got[1].Name)
}

func TestSetupCandidatesTieBreakByName(t *testing.T) {
	got := device.SetupCandidates([]device.Candidate{
		{Name: "Ionphor-setup-Z", Signal: 50},
		{Name: "Ionphor-setup-A", Signal: 50},
	})
	require.Len(t, got, 2)
	assert.Equal(t, "Ionphor-setup-A", got[0].Name, "equal signals MUST be ordered by name")
}

func TestSignalFromRSSI(t *testing.T) {
	tests := []struct {
		rssi int
		want int
	}{
		{-120, 0},
		{-100, 0},
		{-75, 50},
		{-50, 100},
		{-20, 100},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("rssi %d", tt.rssi), func(t *testing.T) {
			assert.Equal(t, tt.want, device.SignalFromRSSI(tt.rssi))
		})
	}
}

func TestPairingStateString(t *testing.T) {
	assert.Equal(t, "AwaitingDeviceAck", device.AwaitingDeviceAck.String())
	assert.Equal(t, "Unknown", device.PairingState(42).String())
	assert.True(t, device.Failed.IsTerminal(), "Failed MUST be terminal")
	assert.False(t, device.Paired.IsTerminal(), "Paired MUST NOT be terminal")
}

func TestProfileValidate(t *testing.T) {
	valid := device.FamilyMemberProfile{ID: "p1", Nickname: "Ana", Age: 34, TargetPH: device.DefaultTargetPH}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(p *device.FamilyMemberProfile)
	}{
		{"empty id", func(p *device.FamilyMemberProfile) { p.ID = " " }},
		{"empty nickname", func(p *device.FamilyMemberProfile) { p.Nickname = "" }},
		{"negative age", func(p *device.FamilyMemberProfile) { p.Age = -1 }},
		{"ph too low", func(p *device.FamilyMemberProfile) { p.TargetPH = 6.4 }},
		{"ph too high", func(p *device.FamilyMemberProfile) { p.TargetPH = 9.6 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			assert.Error(t, p.Validate(), "invalid profile MUST fail validation")
		})
	}
}

func TestProfileContentHash(t *testing.T) {
	p := device.FamilyMemberProfile{ID: "p1", Nickname: "Ana", Age: 34, TargetPH: 7.4}

	same := p
	same.Consumption = device.Consumption{Today: 1.5, Week: 9, Month: 30}
	assert.Equal(t, p.ContentHash(), same.ContentHash(), "consumption counters MUST NOT affect the hash")

	changed := p
	changed.TargetPH = 7.5
	assert.NotEqual(t, p.ContentHash(), changed.ContentHash(), "on-device fields MUST affect the hash")

	// field boundaries are length-prefixed
	a := device.FamilyMemberProfile{ID: "ab", Nickname: "c"}
	b := device.FamilyMemberProfile{ID: "a", Nickname: "bc"}
	assert.NotEqual(t, a.ContentHash(), b.ContentHash())
}

func TestTelemetryKeys(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_123)
	c := device.ConsumptionEvent{MemberID: "m1", Liters: 0.3, PH: 7.4, Timestamp: ts}
	q := device.QualityEvent{QualityScore: 94, AveragePH: 7.5, Timestamp: ts}

	assert.Equal(t, device.EventKey{MemberID: "m1", Timestamp: 1_700_000_000_123, Kind: device.KindConsumption}, c.Key())
	assert.Equal(t, device.EventKey{Timestamp: 1_700_000_000_123, Kind: device.KindQuality}, q.Key())
	assert.NotEqual(t, c.Key(), q.Key(), "different kinds at the same instant MUST NOT collide")
}

func TestErrorTaxonomy(t *testing.T) {
	// GOAL: wrapped errors still match their taxonomy sentinel by kind

	nack := fmt.Errorf("send profile: %w", &device.TransportError{Kind: device.TransportNack, Code: "storage_full", Msg: "no slots"})
	assert.ErrorIs(t, nack, device.ErrNack)
	assert.ErrorIs(t, nack, &device.TransportError{Kind: device.TransportNack, Code: "storage_full"})
	assert.NotErrorIs(t, nack, &device.TransportError{Kind: device.TransportNack, Code: "validation"})
	assert.NotErrorIs(t, nack, device.ErrLinkLost)

	code, ok := device.NackCode(nack)
	require.True(t, ok)
	assert.Equal(t, "storage_full", code)

	assert.ErrorIs(t, device.ErrNotConnected, device.ErrLinkLost, "not connected MUST be a link loss")
	assert.True(t, device.IsRetryable(device.ErrTimeout))
	assert.False(t, device.IsRetryable(nack), "nacks MUST NOT be retried")
	assert.False(t, device.IsRetryable(errors.New("boom")))

	cause := errors.New("radio off")
	perr := &device.PairingError{Kind: device.PairingHandshakeTimeout, Msg: "3 attempts", Err: cause}
	assert.ErrorIs(t, perr, device.ErrHandshakeTimeout)
	assert.ErrorIs(t, perr, cause, "pairing error MUST unwrap to its cause")
	assert.Equal(t, "pairing handshake_timeout: 3 attempts: radio off", perr.Error())

	serr := &device.SyncError{Kind: device.SyncStorageFull, Reason: "8/8 slots used"}
	assert.ErrorIs(t, serr, device.ErrDeviceStorageFull)
	assert.NotErrorIs(t, serr, device.ErrSyncRejected)

	terr := &device.TelemetryError{Kind: device.TelemetryWindowExpired, Key: device.EventKey{MemberID: "m", Timestamp: 5, Kind: device.KindConsumption}}
	assert.ErrorIs(t, terr, device.ErrWindowExpired)
	assert.Equal(t, "telemetry window_expired: consumption/m@5", terr.Error())
}
