// Package config loads the core's load-time constants from viper
// defaults, environment variables (`DATAPLANE_` prefix) and
// command-line flags.
package config

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/netshepherd/dataplane/reportgate"
)

// Viper keys, one per tunable.
const (
	KeyCTMapSize        = "ct-map-size"
	KeySynTimeout       = "syn-timeout"
	KeyTCPLifetime      = "tcp-lifetime"
	KeyNonTCPLifetime   = "nontcp-lifetime"
	KeyTimeWaitTimeout  = "time-wait-timeout"
	KeyReportInterval   = "report-interval"
	KeySamplingRate     = "sampling-rate"
	KeyBypassFilter     = "bypass-filter"
	KeyMetricsAddr      = "metrics-addr"
	KeyEnableMetrics    = "enable-metrics"
	KeyAggregationLevel = "data-aggregation-level"
)

func init() {
	viper.SetDefault(KeyCTMapSize, 262_144)
	viper.SetDefault(KeySynTimeout, 60)
	viper.SetDefault(KeyTCPLifetime, 360)
	viper.SetDefault(KeyNonTCPLifetime, 60)
	viper.SetDefault(KeyTimeWaitTimeout, 30)
	viper.SetDefault(KeyReportInterval, 30)
	viper.SetDefault(KeySamplingRate, 1)
	viper.SetDefault(KeyBypassFilter, false)
	viper.SetDefault(KeyMetricsAddr, ":9100")
	viper.SetDefault(KeyEnableMetrics, true)
	viper.SetDefault(KeyAggregationLevel, "HIGH")

	viper.SetEnvPrefix("DATAPLANE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// Config is a resolved snapshot of the core's tunables, read once at
// startup from viper (which has already merged defaults, environment
// variables and flags by the time Load is called).
//
// SynTimeout, TCPLifetime, NonTCPLifetime, TimeWaitTimeout and
// ReportInterval are resolved here but are not read by the table or
// the gate, which use the fixed constants in packages conntrack and
// reportgate; setting them does not change any timeout.
type Config struct {
	CTMapSize       int
	SynTimeout      uint32
	TCPLifetime     uint32
	NonTCPLifetime  uint32
	TimeWaitTimeout uint32
	ReportInterval  uint32
	SamplingRate    uint32
	BypassFilter    bool
	MetricsAddr     string

	// EnableMetrics and AggregationLevel are threaded through to
	// reportgate.Decide on every packet.
	EnableMetrics    bool
	AggregationLevel reportgate.AggregationLevel
}

// BindFlags registers pflag overrides for every key, for a cobra
// command's Flags() set. Call before pflag.Parse()/cobra Execute().
func BindFlags(flags *pflag.FlagSet) {
	flags.Int(KeyCTMapSize, viper.GetInt(KeyCTMapSize), "maximum tracked flows")
	flags.Uint32(KeySynTimeout, uint32(viper.GetInt(KeySynTimeout)), "seconds before a half-open SYN times out")
	flags.Uint32(KeyTCPLifetime, uint32(viper.GetInt(KeyTCPLifetime)), "idle timeout in seconds for established TCP flows")
	flags.Uint32(KeyNonTCPLifetime, uint32(viper.GetInt(KeyNonTCPLifetime)), "idle timeout in seconds for UDP flows")
	flags.Uint32(KeyTimeWaitTimeout, uint32(viper.GetInt(KeyTimeWaitTimeout)), "post-both-FIN hold in seconds")
	flags.Uint32(KeyReportInterval, uint32(viper.GetInt(KeyReportInterval)), "minimum seconds between non-state-change emits per direction")
	flags.Uint32(KeySamplingRate, uint32(viper.GetInt(KeySamplingRate)), "emit ~1/N of gate-approved packets; 1 disables sampling")
	flags.Bool(KeyBypassFilter, viper.GetBool(KeyBypassFilter), "skip the IP-of-interest filter entirely")
	flags.String(KeyMetricsAddr, viper.GetString(KeyMetricsAddr), "address for the Prometheus metrics HTTP listener")
	flags.Bool(KeyEnableMetrics, viper.GetBool(KeyEnableMetrics), "maintain lifetime packet/byte counters on each entry")
	flags.String(KeyAggregationLevel, viper.GetString(KeyAggregationLevel), "HIGH (full suppression logic) or LOW (emit on every gate approval)")

	viper.BindPFlags(flags)
}

// Load resolves the current viper state into a Config.
func Load() Config {
	return Config{
		CTMapSize:        viper.GetInt(KeyCTMapSize),
		SynTimeout:       uint32(viper.GetInt(KeySynTimeout)),
		TCPLifetime:      uint32(viper.GetInt(KeyTCPLifetime)),
		NonTCPLifetime:   uint32(viper.GetInt(KeyNonTCPLifetime)),
		TimeWaitTimeout:  uint32(viper.GetInt(KeyTimeWaitTimeout)),
		ReportInterval:   uint32(viper.GetInt(KeyReportInterval)),
		SamplingRate:     uint32(viper.GetInt(KeySamplingRate)),
		BypassFilter:     viper.GetBool(KeyBypassFilter),
		MetricsAddr:      viper.GetString(KeyMetricsAddr),
		EnableMetrics:    viper.GetBool(KeyEnableMetrics),
		AggregationLevel: parseAggregationLevel(viper.GetString(KeyAggregationLevel)),
	}
}

func parseAggregationLevel(s string) reportgate.AggregationLevel {
	if strings.EqualFold(s, "LOW") {
		return reportgate.Low
	}
	return reportgate.High
}
