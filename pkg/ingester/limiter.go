package ingester

import (
	"fmt"

	"github.com/loghive/loghive/pkg/validation"
)

// RingCount is the interface exposed by a ring implementation which allows
// to count members.
type RingCount interface {
	HealthyInstancesCount() int
}

// Limiter implements primitives to get the maximum number of streams an
// ingester can handle for a specific tenant.
type Limiter struct {
	limits            *validation.Overrides
	ring              RingCount
	replicationFactor int
}

// NewLimiter makes a new limiter.
func NewLimiter(limits *validation.Overrides, ring RingCount, replicationFactor int) *Limiter {
	return &Limiter{
		limits:            limits,
		ring:              ring,
		replicationFactor: replicationFactor,
	}
}

// AssertMaxStreamsPerTenant ensures limit has not been reached compared to
// the current number of streams in input and returns an error if so. The
// global limit is converted to a local one by dividing across the healthy
// instances and multiplying by the replication factor; with one instance at
// factor 1 the local limit is the global one.
func (l *Limiter) AssertMaxStreamsPerTenant(tenantID string, streams int) error {
	globalLimit := l.limits.MaxGlobalStreamsPerTenant(tenantID)
	if globalLimit <= 0 {
		return nil
	}

	localLimit := globalLimit
	if numInstances := l.ring.HealthyInstancesCount(); numInstances > 1 {
		localLimit = int(float64(globalLimit) / float64(numInstances) * float64(l.replicationFactor))
	}

	if streams < localLimit {
		return nil
	}
	return fmt.Errorf("per-tenant streams limit (%d) exceeded", globalLimit)
}
