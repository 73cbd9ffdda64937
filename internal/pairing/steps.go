package pairing

import "github.com/srg/ionlink/internal/device"

// SetupStep is a screen of the setup wizard. The machine does not depend on
// which flow a front end presents; a scan-and-list UI can ignore steps and
// read Candidates directly.
type SetupStep string

const (
	StepPowerOn      SetupStep = "power-on"
	StepScanIonphor  SetupStep = "scan-ionphor"
	StepConnect      SetupStep = "connect-device"
	StepScanHomeWiFi SetupStep = "scan-home-wifi"
	StepComplete     SetupStep = "complete"
)

var wizard = []SetupStep{StepPowerOn, StepScanIonphor, StepConnect, StepScanHomeWiFi, StepComplete}

// SetupSteps returns the wizard steps and the index of the one matching the
// current state. A failed machine points at the step that failed.
func (m *Machine) SetupSteps() ([]SetupStep, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	steps := append([]SetupStep(nil), wizard...)
	return steps, stepIndex(m.state, m.last.Load(), len(m.candidates) > 0)
}

func stepIndex(state device.PairingState, last *Transition, haveCandidates bool) int {
	switch state {
	case device.PoweredOff:
		return 0
	case device.Discovering:
		if haveCandidates {
			return 2
		}
		return 1
	case device.Associating, device.AwaitingDeviceAck:
		return 3
	case device.Paired:
		return 4
	case device.Failed:
		if last != nil && last.From != device.Failed {
			return stepIndex(last.From, nil, haveCandidates)
		}
	}
	return 0
}
