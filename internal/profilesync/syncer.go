// Package profilesync writes family-member profiles to the filter one
// record at a time, so a partial failure is reported per profile instead of
// failing the batch.
package profilesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/ionlink/internal/device"
	"github.com/srg/ionlink/internal/frame"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type Options struct {
	// Attempts bounds how often a profile is sent when the transport fails.
	Attempts      int           `default:"3"`
	BackoffBase   time.Duration `default:"200ms"`
	BackoffFactor float64       `default:"2"`
}

func DefaultOptions() Options {
	o := Options{}
	defaults.SetDefaults(&o)
	return o
}

// Requester sends a frame and waits for its reply. *link.Link implements it.
type Requester interface {
	Request(ctx context.Context, t frame.Type, payload any) (*frame.Frame, error)
}

// SyncResult reports the outcome of every profile of one sync.
type SyncResult struct {
	// Accepted ids, in input order.
	Accepted []string
	Rejected map[string]*device.SyncError
}

// OK reports whether every profile was accepted.
func (r *SyncResult) OK() bool { return len(r.Rejected) == 0 }

type Syncer struct {
	logger *logrus.Logger
	opts   Options
	link   Requester

	mu sync.Mutex
	// ledger maps profile id to the content hash the device acknowledged.
	ledger *orderedmap.OrderedMap[string, string]
}

func New(logger *logrus.Logger, opts *Options, link Requester) *Syncer {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	o := DefaultOptions()
	if opts != nil {
		if opts.Attempts > 0 {
			o.Attempts = opts.Attempts
		}
		if opts.BackoffBase > 0 {
			o.BackoffBase = opts.BackoffBase
		}
		if opts.BackoffFactor > 0 {
			o.BackoffFactor = opts.BackoffFactor
		}
	}
	return &Syncer{
		logger: logger,
		opts:   o,
		link:   link,
		ledger: orderedmap.New[string, string](),
	}
}

// SyncProfiles sends every profile in order and keeps going after a
// rejection. The error is non-nil only when ctx ends the sync early; the
// result then covers the profiles handled so far.
func (s *Syncer) SyncProfiles(ctx context.Context, profiles []device.FamilyMemberProfile) (*SyncResult, error) {
	result := &SyncResult{Rejected: map[string]*device.SyncError{}}

	for _, p := range profiles {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		log := s.logger.WithField("profile", p.ID)
		if err := p.Validate(); err != nil {
			result.Rejected[p.ID] = &device.SyncError{Kind: device.SyncRejected, Reason: "validation: " + err.Error(), Err: err}
			log.WithField("error", err).Warn("Profile rejected before sending")
			continue
		}

		record := frame.ProfileRecord(p)
		if serr := s.send(ctx, record, log); serr != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.Rejected[p.ID] = serr
			log.WithFields(logrus.Fields{"kind": serr.Kind, "reason": serr.Reason}).Warn("Profile rejected")
			continue
		}

		s.mu.Lock()
		s.ledger.Set(p.ID, record.Hash)
		s.mu.Unlock()
		result.Accepted = append(result.Accepted, p.ID)
		log.Debug("Profile accepted")
	}

	s.logger.WithFields(logrus.Fields{
		"accepted": len(result.Accepted),
		"rejected": len(result.Rejected),
	}).Info("Profile sync finished")
	return result, nil
}

// send delivers one record, retrying transport failures with backoff.
func (s *Syncer) send(ctx context.Context, record frame.Profile, log *logrus.Entry) *device.SyncError {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.BackoffBase
	policy.Multiplier = s.opts.BackoffFactor
	policy.RandomizationFactor = 0

	_, err := backoff.Retry(ctx, func() (*frame.Frame, error) {
		reply, err := s.link.Request(ctx, frame.TypeProfile, record)
		if err != nil && !device.IsRetryable(err) {
			return reply, backoff.Permanent(err)
		}
		return reply, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(s.opts.Attempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.WithFields(logrus.Fields{"error": err, "retry_in": wait}).Warn("Profile send failed, retrying")
		}),
	)
	if err == nil {
		return nil
	}
	return classify(err)
}

// classify maps a send failure onto the sync error taxonomy.
func classify(err error) *device.SyncError {
	var te *device.TransportError
	if !errors.As(err, &te) {
		return &device.SyncError{Kind: device.SyncRejected, Reason: err.Error(), Err: err}
	}
	if te.Kind != device.TransportNack {
		return &device.SyncError{Kind: device.SyncRejected, Reason: "transport: " + string(te.Kind), Err: err}
	}

	reason := te.Msg
	switch te.Code {
	case frame.NackStorageFull:
		if reason == "" {
			reason = "device storage full"
		}
		return &device.SyncError{Kind: device.SyncStorageFull, Reason: reason, Err: err}
	case frame.NackValidation:
		return &device.SyncError{Kind: device.SyncRejected, Reason: reason, Err: err}
	default:
		return &device.SyncError{Kind: device.SyncRejected, Reason: fmt.Sprintf("%s: %s", te.Code, reason), Err: err}
	}
}

// Changed returns the profiles whose content differs from what the device
// last acknowledged, in input order.
func (s *Syncer) Changed(profiles []device.FamilyMemberProfile) []device.FamilyMemberProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []device.FamilyMemberProfile
	for _, p := range profiles {
		if hash, ok := s.ledger.Get(p.ID); ok && hash == p.ContentHash() {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Known returns the acknowledged ids in the order they were first accepted.
func (s *Syncer) Known() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, s.ledger.Len())
	for pair := s.ledger.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}
	return ids
}

// Reset forgets every acknowledgement, for example after re-pairing.
func (s *Syncer) Reset() {
	s.mu.Lock()
	s.ledger = orderedmap.New[string, string]()
	s.mu.Unlock()
}
