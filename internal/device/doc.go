// Package device holds the domain model shared by every layer of the filter
// link: device identity and pairing state, discovery candidates, family member
// profiles, telemetry events, the Transport contract each radio implements,
// and the error taxonomy.
//
// Radio-specific code lives in subpackages (go-ble for the setup link, wifi
// for the operational link). Nothing in this package performs I/O.
package device
