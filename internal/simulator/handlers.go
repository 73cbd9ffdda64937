package simulator

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/ionlink/internal/device"
	"github.com/srg/ionlink/internal/frame"
)

// handle processes one frame written by the app.
func (d *Device) handle(f *frame.Frame) {
	d.logger.WithField("frame", f.String()).Debug("Simulator received frame")

	switch f.Type {
	case frame.TypeHello:
		d.onHello(f)
	case frame.TypeCredentials:
		d.onCredentials(f)
	case frame.TypeProfile:
		d.onProfile(f)
	case frame.TypeDispense:
		d.onDispense(f)
	case frame.TypeAck:
		d.onAck(f)
	case frame.TypeNack:
		d.logger.WithField("frame", f.String()).Warn("App rejected a device frame")
	default:
		d.nack(f, frame.NackUnsupported, fmt.Sprintf("frame type %q", f.Type))
	}
}

func (d *Device) onHello(f *frame.Frame) {
	var hello frame.Hello
	if err := f.Decode(&hello); err != nil {
		d.nack(f, frame.NackBadFrame, err.Error())
		return
	}

	d.mu.Lock()
	d.hellos++
	drop := d.hellos <= d.faults.DropHellos
	if !drop {
		d.sessions[hello.SessionID] = hello.PublicKey
	}
	d.mu.Unlock()

	if drop {
		d.logger.WithField("session", hello.SessionID).Debug("Simulator dropped hello")
		return
	}
	d.reply(f, frame.TypeBeacon, d.Beacon())
}

func (d *Device) onCredentials(f *frame.Frame) {
	var cred frame.Credentials
	if err := f.Decode(&cred); err != nil {
		d.nack(f, frame.NackBadFrame, err.Error())
		return
	}

	d.mu.Lock()
	appKey, known := d.sessions[cred.SessionID]
	d.mu.Unlock()
	if !known {
		d.nack(f, frame.NackInvalidCredential, "unknown session")
		return
	}

	if cred.Secured {
		password, err := d.kx.Open(appKey, cred.SessionID, cred.Nonce, cred.Sealed)
		if err != nil {
			d.nack(f, frame.NackInvalidCredential, "credential does not open")
			return
		}
		if d.opts.Credential != "" && string(password) != d.opts.Credential {
			d.nack(f, frame.NackInvalidCredential, fmt.Sprintf("%s refused the password", cred.SSID))
			return
		}
	}

	d.mu.Lock()
	d.joined = cred.SSID
	noAck := d.faults.NoPairAck
	forged := d.faults.ForgedPairAcks
	d.mu.Unlock()

	d.reply(f, frame.TypeAck, nil)
	d.logger.WithFields(logrus.Fields{
		"ssid":    cred.SSID,
		"session": cred.SessionID,
	}).Info("Simulator joining home network")

	if noAck {
		return
	}
	d.after(d.opts.AckDelay, func() {
		for range forged {
			d.sendPairAck(cred.SessionID, true)
		}
		d.sendPairAck(cred.SessionID, false)
	})
}

func (d *Device) sendPairAck(sessionID string, forge bool) {
	sig := ed25519.Sign(d.signKey, frame.PairAckMessage(sessionID, d.opts.Serial))
	if forge {
		sig[0] ^= 0xFF
	}
	f, err := frame.New(frame.TypePairAck, d.nextSeq(), frame.PairAck{
		SessionID: sessionID,
		Serial:    d.opts.Serial,
		Address:   d.opts.Address,
		Signature: sig,
	})
	if err != nil {
		return
	}
	d.emit(f)
}

func (d *Device) onProfile(f *frame.Frame) {
	var p frame.Profile
	if err := f.Decode(&p); err != nil {
		d.nack(f, frame.NackBadFrame, err.Error())
		return
	}

	d.mu.Lock()
	code, forced := d.faults.NackProfiles[p.ID]
	existing, have := d.profiles.Get(p.ID)
	full := !have && d.profiles.Len() >= d.opts.Capacity
	d.mu.Unlock()

	switch {
	case forced:
		d.nack(f, code, "injected fault")
		return
	case p.Nickname == "":
		d.nack(f, frame.NackValidation, "nickname is empty")
		return
	case p.PH < d.opts.MinPH || p.PH > d.opts.MaxPH:
		d.nack(f, frame.NackValidation, fmt.Sprintf("pH %.1f outside firmware range %.1f-%.1f",
			float64(p.PH)/10, float64(d.opts.MinPH)/10, float64(d.opts.MaxPH)/10))
		return
	case have && existing.hash == p.Hash:
		d.reply(f, frame.TypeAck, nil)
		return
	case full:
		d.nack(f, frame.NackStorageFull, fmt.Sprintf("%d of %d slots used", d.opts.Capacity, d.opts.Capacity))
		return
	}

	d.mu.Lock()
	d.profiles.Set(p.ID, stored{hash: p.Hash, profile: p})
	d.writes++
	d.mu.Unlock()
	d.reply(f, frame.TypeAck, nil)
}

func (d *Device) onDispense(f *frame.Frame) {
	var cmd frame.Dispense
	if err := f.Decode(&cmd); err != nil {
		d.nack(f, frame.NackBadFrame, err.Error())
		return
	}
	if cmd.Liters <= 0 {
		d.nack(f, frame.NackValidation, "volume must be positive")
		return
	}
	d.reply(f, frame.TypeAck, nil)

	d.Push(device.ConsumptionEvent{
		MemberID:  cmd.MemberID,
		Liters:    cmd.Liters,
		PH:        float64(cmd.PH) / 10,
		Timestamp: time.Now(),
	})
}

func (d *Device) onAck(f *frame.Frame) {
	d.mu.Lock()
	p, ok := d.pushes[f.Ref]
	delete(d.pushes, f.Ref)
	d.mu.Unlock()
	if ok {
		p.timer.Stop()
	}
}

// Push sends a telemetry reading. Until it is acked the same reading is
// retransmitted up to Options.Retransmits times, each under a new sequence.
func (d *Device) Push(ev device.TelemetryEvent) {
	d.push(frame.TelemetryRecord(ev), d.opts.Retransmits)
}

func (d *Device) push(payload frame.Telemetry, left int) {
	f, err := frame.New(frame.TypeTelemetry, d.nextSeq(), payload)
	if err != nil {
		return
	}
	if left > 0 {
		p := &pendingPush{payload: payload, left: left}
		seq := f.Seq
		d.mu.Lock()
		d.pushes[seq] = p
		p.timer = time.AfterFunc(d.opts.RetransmitInterval, func() {
			d.mu.Lock()
			_, still := d.pushes[seq]
			delete(d.pushes, seq)
			d.mu.Unlock()
			if still {
				d.push(p.payload, p.left-1)
			}
		})
		d.mu.Unlock()
	}
	d.emit(f)
}

// Retransmit sends the same reading again immediately under a new sequence,
// as firmware does after missing an ack.
func (d *Device) Retransmit(ev device.TelemetryEvent) {
	d.push(frame.TelemetryRecord(ev), 0)
}
