package ring

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
)

// LifecyclerConfig configures the node's ring membership.
type LifecyclerConfig struct {
	RingConfig Config `yaml:"ring"`

	ID              string        `yaml:"id"`
	Addr            string        `yaml:"addr"`
	NumTokens       int           `yaml:"num_tokens"`
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`
	FinalSleep      time.Duration `yaml:"final_sleep"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *LifecyclerConfig) RegisterFlags(f *flag.FlagSet) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	f.StringVar(&cfg.ID, "ring.instance-id", hostname, "Instance ID to register in the ring.")
	f.StringVar(&cfg.Addr, "ring.instance-addr", "127.0.0.1", "Address to advertise in the ring.")
	f.IntVar(&cfg.NumTokens, "ring.num-tokens", 128, "Number of tokens to own in the ring.")
	f.DurationVar(&cfg.HeartbeatPeriod, "ring.heartbeat-period", 5*time.Second, "Period at which to heartbeat the ring.")
	f.DurationVar(&cfg.RingConfig.HeartbeatTimeout, "ring.heartbeat-timeout", time.Minute, "Heartbeat timeout after which instances are considered unhealthy.")
	f.IntVar(&cfg.RingConfig.ReplicationFactor, "ring.replication-factor", 1, "Number of instances that must durably hold each stream.")
	f.DurationVar(&cfg.FinalSleep, "ring.final-sleep", 30*time.Second, "Duration to sleep before deregistering, to let in-flight reads drain.")
}

// Lifecycler manages this node's entry in the ring: it registers as JOINING,
// moves to ACTIVE, heartbeats while running, and on shutdown moves to LEAVING,
// observes the final sleep, then deregisters.
type Lifecycler struct {
	*services.BasicService

	cfg    LifecyclerConfig
	store  MembershipStore
	logger log.Logger

	mtx    sync.RWMutex
	state  State
	tokens []uint32
}

// NewLifecycler creates a Lifecycler registering into the given store.
func NewLifecycler(cfg LifecyclerConfig, store MembershipStore, logger log.Logger) *Lifecycler {
	l := &Lifecycler{
		cfg:    cfg,
		store:  store,
		logger: logger,
		state:  JOINING,
	}
	l.BasicService = services.NewBasicService(l.starting, l.running, l.stopping)
	return l
}

// State returns the node's current ring state.
func (l *Lifecycler) State() State {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	return l.state
}

// ID returns the instance ID registered in the ring.
func (l *Lifecycler) ID() string {
	return l.cfg.ID
}

func (l *Lifecycler) starting(ctx context.Context) error {
	l.tokens = generateTokens(l.cfg.NumTokens)

	desc := InstanceDesc{
		Addr:      l.cfg.Addr,
		State:     JOINING,
		Timestamp: time.Now().Unix(),
		Tokens:    l.tokens,
	}
	if err := l.store.Register(ctx, l.cfg.ID, desc); err != nil {
		return errors.Wrap(err, "registering in ring")
	}
	level.Info(l.logger).Log("msg", "registered in ring", "id", l.cfg.ID, "state", JOINING)

	// Ownership of the token range is durable in the store now, so the
	// instance may start taking streams.
	return l.changeState(ctx, ACTIVE)
}

func (l *Lifecycler) running(ctx context.Context) error {
	heartbeat := time.NewTicker(l.cfg.HeartbeatPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case <-heartbeat.C:
			if err := l.store.Heartbeat(ctx, l.cfg.ID, l.State(), time.Now()); err != nil {
				level.Error(l.logger).Log("msg", "failed to heartbeat ring", "err", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *Lifecycler) stopping(_ error) error {
	ctx := context.Background()
	if err := l.changeState(ctx, LEAVING); err != nil {
		level.Error(l.logger).Log("msg", "failed to set LEAVING in ring", "err", err)
	}

	level.Info(l.logger).Log("msg", "observing final sleep before deregistering", "duration", l.cfg.FinalSleep)
	time.Sleep(l.cfg.FinalSleep)

	if err := l.store.Deregister(ctx, l.cfg.ID); err != nil {
		return errors.Wrap(err, "deregistering from ring")
	}
	level.Info(l.logger).Log("msg", "deregistered from ring", "id", l.cfg.ID)
	return nil
}

func (l *Lifecycler) changeState(ctx context.Context, state State) error {
	l.mtx.Lock()
	l.state = state
	l.mtx.Unlock()

	if err := l.store.Heartbeat(ctx, l.cfg.ID, state, time.Now()); err != nil {
		return errors.Wrapf(err, "recording state %s in ring", state)
	}
	level.Info(l.logger).Log("msg", "ring state changed", "id", l.cfg.ID, "state", state)
	return nil
}

func generateTokens(n int) []uint32 {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	tokens := make([]uint32, 0, n)
	seen := map[uint32]struct{}{}
	for len(tokens) < n {
		t := r.Uint32()
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}
