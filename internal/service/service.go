// Package service implements the front-service model: the publish-decision
// predicate, instance selection (round-robin or active-standby), and the
// replica/overlap publish cycle.
package service

import (
	"crypto/rsa"
	"time"

	"github.com/opd-ai/onionbalance-manager/internal/descriptor"
	"github.com/opd-ai/onionbalance-manager/internal/instance"
	"github.com/opd-ai/onionbalance-manager/internal/obserr"
	"github.com/opd-ai/onionbalance-manager/internal/obslog"
	"github.com/opd-ai/onionbalance-manager/internal/onionaddr"
)

// Mode selects how a service distributes traffic across eligible instances.
type Mode int

const (
	ModeRoundRobin Mode = iota
	ModeActiveStandby
)

// maxDescriptorAge is the hardcoded staleness bound on a descriptor's
// embedded timestamp, distinct from the configurable upload period.
const maxDescriptorAge = 4 * time.Hour

// Publisher posts a generated descriptor blob through the control channel.
type Publisher interface {
	PostDescriptor(blob []byte) error
}

// Service is one front onion service and the instances that back it.
type Service struct {
	Key       *rsa.PrivateKey
	Address   string
	Instances []*instance.Instance

	Mode Mode

	Replicas               int
	MaxIntroPoints         int
	DescriptorUploadPeriod time.Duration
	DescriptorOverlapPeriod time.Duration

	LastUpload time.Time

	preferredInstance *instance.Instance

	log *obslog.Logger
}

// New constructs a Service from its long-term key and configured instances.
func New(key *rsa.PrivateKey, instances []*instance.Instance, mode Mode, replicas, maxIntroPoints int, uploadPeriod, overlapPeriod time.Duration, log *obslog.Logger) (*Service, error) {
	addr, err := onionaddr.Address(&key.PublicKey)
	if err != nil {
		return nil, obserr.ConfigInvalid("deriving service onion address", err)
	}
	if err := descriptor.ValidateServiceKey(key); err != nil {
		return nil, err
	}
	return &Service{
		Key:                     key,
		Address:                 addr,
		Instances:               instances,
		Mode:                    mode,
		Replicas:                replicas,
		MaxIntroPoints:          maxIntroPoints,
		DescriptorUploadPeriod:  uploadPeriod,
		DescriptorOverlapPeriod: overlapPeriod,
		log:                     log,
	}, nil
}

// instancesHealthChanged reports whether any instance's HealthChanged flag
// is set, clearing the flag on ALL instances as a read-and-clear side effect
// regardless of the result, matching the original's semantics.
func (s *Service) instancesHealthChanged() bool {
	changed := false
	for _, inst := range s.Instances {
		if inst.HealthChanged {
			changed = true
		}
		inst.HealthChanged = false
	}
	return changed
}

func (s *Service) anyChangedSincePublished() bool {
	for _, inst := range s.Instances {
		if inst.ChangedSincePublished {
			return true
		}
	}
	return false
}

func (s *Service) descriptorNotUploadedRecently(now time.Time) bool {
	if s.LastUpload.IsZero() {
		return true
	}
	return now.Sub(s.LastUpload) > s.DescriptorUploadPeriod
}

// ShouldPublish evaluates the publish-decision predicate (spec.md §4.4).
// Calling it has the side effect of clearing every instance's HealthChanged
// flag, matching the original's read-and-clear semantics — callers must act
// on the result immediately.
func (s *Service) ShouldPublish(now time.Time, forced bool) bool {
	changedSincePublished := s.anyChangedSincePublished()
	notUploadedRecently := s.descriptorNotUploadedRecently(now)
	healthChanged := s.instancesHealthChanged()
	return changedSincePublished || notUploadedRecently || healthChanged || forced
}

// SelectIntroductionPoints returns the eligible instances' introduction-point
// lists, after applying eligibility filtering and the mode policy. Eligible
// instances have ChangedSincePublished cleared as a side effect.
func (s *Service) SelectIntroductionPoints(now time.Time) [][]instance.IntroductionPoint {
	var eligible []*instance.Instance
	for _, inst := range s.Instances {
		if !inst.HasDescriptor() {
			continue
		}
		if inst.IsHealthy != instance.HealthUp {
			continue
		}
		if inst.ReceivedAge(now) > s.DescriptorUploadPeriod {
			continue
		}
		if inst.TimestampAge(now) > maxDescriptorAge {
			continue
		}
		inst.ChangedSincePublished = false
		eligible = append(eligible, inst)
	}

	if s.Mode == ModeActiveStandby {
		eligible = s.applyActiveStandby(eligible)
	}

	lists := make([][]instance.IntroductionPoint, 0, len(eligible))
	for _, inst := range eligible {
		lists = append(lists, inst.IntroPoints)
	}
	return lists
}

// applyActiveStandby narrows the eligible set to a single preferred
// instance, failing over only when the currently preferred instance is no
// longer in the eligible set.
func (s *Service) applyActiveStandby(eligible []*instance.Instance) []*instance.Instance {
	if len(eligible) == 0 {
		s.preferredInstance = nil
		return nil
	}

	stillEligible := false
	if s.preferredInstance != nil {
		for _, inst := range eligible {
			if inst == s.preferredInstance {
				stillEligible = true
				break
			}
		}
	}
	if !stillEligible {
		s.preferredInstance = eligible[0]
	}
	return []*instance.Instance{s.preferredInstance}
}

// PublishDescriptor runs the full publish cycle: select instances, choose
// intro points, generate + post one descriptor per replica, and — if the
// descriptor ID is about to rotate — repeat with deviation=1. LastUpload is
// always updated at the end, regardless of individual post outcomes.
func (s *Service) PublishDescriptor(pub Publisher, now time.Time, rng func(n int) int) {
	lists := s.SelectIntroductionPoints(now)
	introPoints := descriptor.Choose(lists, s.MaxIntroPoints, rng)

	s.publishReplicas(pub, introPoints, 0, now)

	permID, err := onionaddr.PermanentID(s.Address)
	if err == nil {
		remaining := onionaddr.SecondsUntilRotation(permID, now)
		if remaining < s.DescriptorOverlapPeriod {
			s.log.Info("descriptor ID rotating soon, publishing under next ID too",
				"service", s.Address, "seconds_remaining", remaining.Seconds())
			s.publishReplicas(pub, introPoints, 1, now)
		}
	}

	s.LastUpload = now
}

func (s *Service) publishReplicas(pub Publisher, introPoints []instance.IntroductionPoint, deviation int, now time.Time) {
	for replica := 0; replica < s.Replicas; replica++ {
		blob, err := descriptor.Generate(s.Key, introPoints, replica, deviation, now)
		if err != nil {
			s.log.Error("descriptor generation failed", "service", s.Address, "replica", replica, "deviation", deviation, "err", err)
			continue
		}
		if err := pub.PostDescriptor(blob); err != nil {
			s.log.Error("descriptor post failed", "service", s.Address, "replica", replica, "deviation", deviation, "err", err)
			continue
		}
	}
}
