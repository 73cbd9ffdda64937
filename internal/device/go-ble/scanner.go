package goble

import (
	"context"
	"errors"
	"strings"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/ionlink/internal/device"
)

// Scanner discovers unprovisioned filters by their advertised local name.
// It implements device.Discoverer.
type Scanner struct {
	logger *logrus.Logger
	seen   *hashmap.Map[string, device.Candidate]
}

func NewScanner(logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	return &Scanner{logger: logger, seen: hashmap.New[string, device.Candidate]()}
}

// Discover scans until ctx is done, calling found for every new setup
// candidate and whenever a known one reports a stronger signal. The end of
// ctx is the normal way a scan finishes and is not an error.
func (s *Scanner) Discover(ctx context.Context, found func(device.Candidate)) error {
	dev, err := DeviceFactory()
	if err != nil {
		return NormalizeError(err)
	}

	s.seen = hashmap.New[string, device.Candidate]()
	err = dev.Scan(ctx, true, func(adv ble.Advertisement) {
		if c, ok := s.observe(adv); ok {
			found(c)
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return NormalizeError(err)
	}

	s.logger.WithField("candidates", s.seen.Len()).Debug("BLE discovery finished")
	return nil
}

// observe records adv and reports whether it is worth surfacing.
func (s *Scanner) observe(adv ble.Advertisement) (device.Candidate, bool) {
	name := adv.LocalName()
	if !strings.HasPrefix(name, device.SetupNamePrefix) || !adv.Connectable() {
		return device.Candidate{}, false
	}

	c := device.Candidate{
		Name:      name,
		Address:   adv.Addr().String(),
		Signal:    device.SignalFromRSSI(adv.RSSI()),
		Transport: device.TransportBLE,
	}

	prev, existed := s.seen.GetOrInsert(c.Address, c)
	if !existed {
		s.logger.WithFields(logrus.Fields{
			"name":    c.Name,
			"address": c.Address,
			"signal":  c.Signal,
		}).Info("Found filter in setup mode")
		return c, true
	}
	if c.Signal > prev.Signal {
		s.seen.Set(c.Address, c)
		return c, true
	}
	return device.Candidate{}, false
}

// Candidates returns everything seen by the last scan in proposal order.
func (s *Scanner) Candidates() []device.Candidate {
	var all []device.Candidate
	s.seen.Range(func(_ string, c device.Candidate) bool {
		all = append(all, c)
		return true
	})
	return device.SetupCandidates(all)
}
