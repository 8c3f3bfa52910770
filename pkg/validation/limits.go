package validation

import (
	"flag"
	"os"
	"time"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"github.com/prometheus/common/model"
	"gopkg.in/yaml.v2"
)

const bytesInMB = 1048576

// Limits describe all the limits for tenants; can be used to describe global
// default limits via flags, or per-tenant limits via yaml config. They are
// loaded at startup and read-only afterwards.
type Limits struct {
	// Write path limits.
	IngestionRateMB           float64        `yaml:"ingestion_rate_mb"`
	IngestionBurstSizeMB      float64        `yaml:"ingestion_burst_size_mb"`
	MaxGlobalStreamsPerTenant int            `yaml:"max_global_streams_per_tenant"`
	RejectOldSamples          bool           `yaml:"reject_old_samples"`
	RejectOldSamplesMaxAge    model.Duration `yaml:"reject_old_samples_max_age"`
	MaxLineSize               flagext.Bytes  `yaml:"max_line_size"`

	// Read path limits.
	MaxQueryParallelism int `yaml:"max_query_parallelism"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (l *Limits) RegisterFlags(f *flag.FlagSet) {
	f.Float64Var(&l.IngestionRateMB, "distributor.ingestion-rate-limit-mb", 4, "Per-tenant ingestion rate limit in sample size per second. Units in MB.")
	f.Float64Var(&l.IngestionBurstSizeMB, "distributor.ingestion-burst-size-mb", 6, "Per-tenant allowed ingestion burst size (in sample size). Units in MB.")
	f.IntVar(&l.MaxGlobalStreamsPerTenant, "ingester.max-global-streams-per-tenant", 5000, "Maximum number of active streams per tenant.")
	f.BoolVar(&l.RejectOldSamples, "validation.reject-old-samples", true, "Reject old samples.")
	_ = l.RejectOldSamplesMaxAge.Set("168h")
	f.Var(&l.RejectOldSamplesMaxAge, "validation.reject-old-samples.max-age", "Maximum accepted sample age before rejecting.")
	_ = l.MaxLineSize.Set("256KB")
	f.Var(&l.MaxLineSize, "validation.max-line-size", "Maximum line size on ingestion path. Example: 256kb. There is no limit when unset.")
	f.IntVar(&l.MaxQueryParallelism, "querier.max-query-parallelism", 14, "Maximum number of queries will be scheduled in parallel by the frontend.")
}

// Validate the limits config.
func (l *Limits) Validate() error {
	if l.IngestionBurstSizeMB < l.IngestionRateMB {
		return errors.New("ingestion burst size must be greater than or equal to ingestion rate")
	}
	return nil
}

// UnmarshalYAML implements the yaml.Unmarshaler interface. Unmarshals the
// limits on top of the defaults so unset per-tenant fields fall through.
func (l *Limits) UnmarshalYAML(unmarshal func(interface{}) error) error {
	if defaultLimits != nil {
		*l = *defaultLimits
	}
	type plain Limits
	return unmarshal((*plain)(l))
}

// When we load YAML from disk, we want the various per-tenant limits to
// default to any values specified on the command line, not default command
// line values. This global contains those defaults. I (Tom) cannot find a
// nicer way I'm afraid.
var defaultLimits *Limits

// SetDefaultLimitsForYAMLUnmarshalling sets global default limits, used when
// loading the overrides YAML.
func SetDefaultLimitsForYAMLUnmarshalling(defaults Limits) {
	defaultLimits = &defaults
}

// OverridesConfig configures the per-tenant overrides file.
type OverridesConfig struct {
	PerTenantOverrideConfig string `yaml:"per_tenant_override_config"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *OverridesConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.PerTenantOverrideConfig, "limits.per-user-override-config", "", "File name of per-user overrides.")
}

// Overrides periodically fetch a set of per-user overrides, and provides convenience
// functions for fetching the correct value.
type Overrides struct {
	defaults  Limits
	overrides map[string]*Limits
}

// NewOverrides makes a new Overrides. Overrides are loaded once at startup;
// hot reload is deliberately out of scope.
func NewOverrides(defaults Limits, cfg OverridesConfig) (*Overrides, error) {
	overrides := map[string]*Limits{}

	if cfg.PerTenantOverrideConfig != "" {
		SetDefaultLimitsForYAMLUnmarshalling(defaults)

		f, err := os.Open(cfg.PerTenantOverrideConfig)
		if err != nil {
			return nil, errors.Wrap(err, "loading per-tenant overrides")
		}
		defer f.Close()

		var config struct {
			Overrides map[string]*Limits `yaml:"overrides"`
		}
		decoder := yaml.NewDecoder(f)
		decoder.SetStrict(true)
		if err := decoder.Decode(&config); err != nil {
			return nil, errors.Wrap(err, "parsing per-tenant overrides")
		}
		overrides = config.Overrides
	}

	return &Overrides{
		defaults:  defaults,
		overrides: overrides,
	}, nil
}

func (o *Overrides) getOverridesForTenant(tenantID string) *Limits {
	if l, ok := o.overrides[tenantID]; ok {
		return l
	}
	return &o.defaults
}

// IngestionRateBytes returns the ingestion rate limit for a tenant, in bytes
// per second.
func (o *Overrides) IngestionRateBytes(tenantID string) float64 {
	return o.getOverridesForTenant(tenantID).IngestionRateMB * bytesInMB
}

// IngestionBurstSizeBytes returns the burst capacity for a tenant, in bytes.
func (o *Overrides) IngestionBurstSizeBytes(tenantID string) int {
	return int(o.getOverridesForTenant(tenantID).IngestionBurstSizeMB * bytesInMB)
}

// MaxGlobalStreamsPerTenant returns the maximum number of active streams for
// a tenant.
func (o *Overrides) MaxGlobalStreamsPerTenant(tenantID string) int {
	return o.getOverridesForTenant(tenantID).MaxGlobalStreamsPerTenant
}

// RejectOldSamples returns whether to reject entries older than the max age.
func (o *Overrides) RejectOldSamples(tenantID string) bool {
	return o.getOverridesForTenant(tenantID).RejectOldSamples
}

// RejectOldSamplesMaxAge returns the maximum accepted entry age for a tenant.
func (o *Overrides) RejectOldSamplesMaxAge(tenantID string) time.Duration {
	return time.Duration(o.getOverridesForTenant(tenantID).RejectOldSamplesMaxAge)
}

// MaxLineSize returns the maximum line length for a tenant; zero means
// unlimited.
func (o *Overrides) MaxLineSize(tenantID string) int {
	return int(o.getOverridesForTenant(tenantID).MaxLineSize)
}

// MaxQueryParallelism returns the limit on parallel sub-queries for a tenant.
func (o *Overrides) MaxQueryParallelism(tenantID string) int {
	return o.getOverridesForTenant(tenantID).MaxQueryParallelism
}
