// Package ring tracks which node owns a stream's writes. Membership lives in
// a shared key-value store behind the MembershipStore interface; on a single
// node the in-memory implementation gives single-owner semantics.
package ring

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// State is the lifecycle state of an instance in the ring.
type State int

const (
	// JOINING instances are registered but not yet accepting stream ownership.
	JOINING State = iota
	// ACTIVE instances accept writes and serve reads.
	ACTIVE
	// LEAVING instances no longer accept writes but keep serving reads
	// until their final sleep elapses.
	LEAVING
)

func (s State) String() string {
	switch s {
	case JOINING:
		return "JOINING"
	case ACTIVE:
		return "ACTIVE"
	case LEAVING:
		return "LEAVING"
	default:
		return "UNKNOWN"
	}
}

// Operation describes what the caller wants from the ring, as read and write
// paths tolerate different instance states.
type Operation int

const (
	// Write selects instances that may take ownership of new streams.
	Write Operation = iota
	// Read selects instances that may serve queries.
	Read
)

// InstanceDesc describes a single instance registered in the ring.
type InstanceDesc struct {
	Addr      string   `yaml:"addr"`
	State     State    `yaml:"state"`
	Timestamp int64    `yaml:"timestamp"`
	Tokens    []uint32 `yaml:"tokens"`
}

// IsHealthy checks whether the instance is in a usable state for the given
// operation and has heartbeated recently enough.
func (d *InstanceDesc) IsHealthy(op Operation, heartbeatTimeout time.Duration, now time.Time) bool {
	healthyState := false
	switch op {
	case Write:
		healthyState = d.State == ACTIVE
	case Read:
		healthyState = d.State == ACTIVE || d.State == LEAVING
	}
	return healthyState && now.Sub(time.Unix(d.Timestamp, 0)) <= heartbeatTimeout
}

// MembershipStore is the shared key-value store holding ring state. It is
// injected rather than global so tests and single-process deployments can use
// the in-memory implementation.
type MembershipStore interface {
	Register(ctx context.Context, id string, desc InstanceDesc) error
	Heartbeat(ctx context.Context, id string, state State, now time.Time) error
	Deregister(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (InstanceDesc, bool, error)
	All(ctx context.Context) (map[string]InstanceDesc, error)
}

// ErrEmptyRing is returned when no healthy instance can serve the operation.
var ErrEmptyRing = errors.New("empty ring")

// Config for the ring read side.
type Config struct {
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ReplicationFactor int           `yaml:"replication_factor"`
}

// Ring resolves stream ownership against the membership store.
type Ring struct {
	cfg   Config
	store MembershipStore
}

// New creates a Ring reading from the given membership store.
func New(cfg Config, store MembershipStore) *Ring {
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = time.Minute
	}
	if cfg.ReplicationFactor == 0 {
		cfg.ReplicationFactor = 1
	}
	return &Ring{cfg: cfg, store: store}
}

type tokenDesc struct {
	token uint32
	id    string
}

// Get returns the instances owning the given hash, walking the token ring
// clockwise until replication-factor distinct healthy instances are found.
func (r *Ring) Get(ctx context.Context, hash uint32, op Operation) ([]InstanceDesc, error) {
	all, err := r.store.All(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reading ring")
	}

	now := time.Now()
	var tokens []tokenDesc
	for id, desc := range all {
		if !desc.IsHealthy(op, r.cfg.HeartbeatTimeout, now) {
			continue
		}
		for _, t := range desc.Tokens {
			tokens = append(tokens, tokenDesc{token: t, id: id})
		}
	}
	if len(tokens) == 0 {
		return nil, ErrEmptyRing
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].token < tokens[j].token })

	start := sort.Search(len(tokens), func(i int) bool { return tokens[i].token >= hash })

	var (
		result   []InstanceDesc
		distinct = map[string]struct{}{}
	)
	for i := 0; i < len(tokens) && len(result) < r.cfg.ReplicationFactor; i++ {
		td := tokens[(start+i)%len(tokens)]
		if _, ok := distinct[td.id]; ok {
			continue
		}
		distinct[td.id] = struct{}{}
		result = append(result, all[td.id])
	}
	return result, nil
}

// GetAllHealthy returns every healthy instance for the operation.
func (r *Ring) GetAllHealthy(ctx context.Context, op Operation) ([]InstanceDesc, error) {
	all, err := r.store.All(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reading ring")
	}

	now := time.Now()
	var result []InstanceDesc
	for _, desc := range all {
		if desc.IsHealthy(op, r.cfg.HeartbeatTimeout, now) {
			result = append(result, desc)
		}
	}
	if len(result) == 0 {
		return nil, ErrEmptyRing
	}
	return result, nil
}
