package device

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
)

const (
	MinTargetPH     = 6.5
	MaxTargetPH     = 9.5
	DefaultTargetPH = 7.4
)

// Consumption holds the cumulative litre counters shown in the app.
type Consumption struct {
	Today float64 `json:"today" yaml:"today"`
	Week  float64 `json:"week" yaml:"week"`
	Month float64 `json:"month" yaml:"month"`
}

// FamilyMemberProfile is a member's water preference as edited in the app.
// The link reads profiles and never mutates them.
type FamilyMemberProfile struct {
	ID          string      `json:"id" yaml:"id"`
	Nickname    string      `json:"nickname" yaml:"nickname"`
	Age         int         `json:"age" yaml:"age"`
	TargetPH    float64     `json:"target_ph" yaml:"target_ph"`
	Consumption Consumption `json:"consumption" yaml:"consumption"`
}

// Validate checks the app-level constraints. Firmware may accept a narrower
// pH range and reject a profile that passes here.
func (p FamilyMemberProfile) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("profile id is empty")
	}
	if strings.TrimSpace(p.Nickname) == "" {
		return fmt.Errorf("profile %s: nickname is empty", p.ID)
	}
	if p.Age < 0 || p.Age > 150 {
		return fmt.Errorf("profile %s: age %d out of range", p.ID, p.Age)
	}
	if math.IsNaN(p.TargetPH) || p.TargetPH < MinTargetPH || p.TargetPH > MaxTargetPH {
		return fmt.Errorf("profile %s: target pH %.1f outside %.1f-%.1f", p.ID, p.TargetPH, MinTargetPH, MaxTargetPH)
	}
	return nil
}

// PHTenths returns the target pH in tenths, the unit stored on the device.
func (p FamilyMemberProfile) PHTenths() int {
	return int(math.Round(p.TargetPH * 10))
}

// ContentHash identifies the on-device content of a profile. Consumption
// counters are app-side only and do not contribute.
func (p FamilyMemberProfile) ContentHash() string {
	h := sha256.New()
	writeField := func(s string) {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	writeField(p.ID)
	writeField(p.Nickname)
	var nums [8]byte
	binary.BigEndian.PutUint32(nums[:4], uint32(p.Age))
	binary.BigEndian.PutUint32(nums[4:], uint32(p.PHTenths()))
	h.Write(nums[:])
	return hex.EncodeToString(h.Sum(nil)[:16])
}
