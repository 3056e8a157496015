package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes "250ms"/"5s"/"10m" yaml scalars.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	dur, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the standard library form.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Orderflow AppConfig       `yaml:"orderflow"`
	Broker    BrokerConfig    `yaml:"broker"`
	Logging   LoggingConfig   `yaml:"logging"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Source    SourceConfig    `yaml:"source"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type BrokerConfig struct {
	URL          string   `yaml:"url"`
	DialTimeout  Duration `yaml:"dial_timeout"`
	ReadBlock    Duration `yaml:"read_block"`
	StreamMaxLen int64    `yaml:"stream_maxlen"`
	TradesMaxLen int64    `yaml:"trades_maxlen"`
	DOMTTL       Duration `yaml:"dom_ttl"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type ChannelsConfig struct {
	EventBuffer int `yaml:"event_buffer"`
}

type IngestConfig struct {
	BookDepth          int      `yaml:"book_depth"`
	TopLevels          int      `yaml:"top_levels"`
	SnapshotRetries    int      `yaml:"snapshot_retries"`
	SnapshotTimeout    Duration `yaml:"snapshot_timeout"`
	IdleReadTimeout    Duration `yaml:"idle_read_timeout"`
	MaxResnapshotsPerM int      `yaml:"max_resnapshots_per_min"`
}

type SourceConfig struct {
	Bybit   ExchangeConfig `yaml:"bybit"`
	Binance ExchangeConfig `yaml:"binance"`
	Okx     ExchangeConfig `yaml:"okx"`
}

type ExchangeConfig struct {
	Enabled   bool               `yaml:"enabled"`
	WSURL     string             `yaml:"ws_url"`
	RestURL   string             `yaml:"rest_url"`
	Symbols   []string           `yaml:"symbols"`
	Feeds     []string           `yaml:"feeds"`
	RateLimit RateLimitConfig    `yaml:"rate_limit"`
	TickSizes map[string]float64 `yaml:"tick_sizes"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type AnalyticsConfig struct {
	Tape      TapeConfig      `yaml:"tape"`
	Heatmap   HeatmapConfig   `yaml:"heatmap"`
	Footprint FootprintConfig `yaml:"footprint"`
	Iceberg   IcebergConfig   `yaml:"iceberg"`
	Wall      WallConfig      `yaml:"wall"`
	Trend     TrendConfig     `yaml:"trend"`
}

type TapeConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Window   Duration `yaml:"window"`
	MaxCount int      `yaml:"max_count"`
}

type HeatmapConfig struct {
	Enabled        bool     `yaml:"enabled"`
	SampleInterval Duration `yaml:"sample_interval"`
	BinMultiplier  float64  `yaml:"bin_multiplier"`
	History        Duration `yaml:"history"`
}

type FootprintConfig struct {
	Enabled        bool    `yaml:"enabled"`
	BarMs          int64   `yaml:"bar_ms"`
	ImbalanceRatio float64 `yaml:"imbalance_ratio"`
}

type IcebergConfig struct {
	Enabled        bool     `yaml:"enabled"`
	ConsumedRatio  float64  `yaml:"consumed_ratio"`
	MinReplenishes int      `yaml:"min_replenishes"`
	Window         Duration `yaml:"window"`
}

type WallConfig struct {
	Enabled      bool     `yaml:"enabled"`
	MedianMult   float64  `yaml:"median_mult"`
	MinResidency Duration `yaml:"min_residency"`
	SpoofWindow  Duration `yaml:"spoof_window"`
	BandLevels   int      `yaml:"band_levels"`
}

type TrendConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Window       int     `yaml:"window"`
	WeightDelta  float64 `yaml:"weight_delta"`
	WeightVolume float64 `yaml:"weight_volume"`
	WeightBook   float64 `yaml:"weight_book"`
}

type GatewayConfig struct {
	Address      string   `yaml:"address"`
	SendQueue    int      `yaml:"send_queue"`
	LowWater     int      `yaml:"low_water"`
	PingInterval Duration `yaml:"ping_interval"`
	TradesLimit  int      `yaml:"trades_limit"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoadConfig reads the YAML configuration, applies environment overrides and
// validates the result. A broker URL must come from either the file or
// BROKER_URL.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Broker: BrokerConfig{
			DialTimeout:  Duration(5 * time.Second),
			ReadBlock:    Duration(time.Second),
			StreamMaxLen: 10000,
			TradesMaxLen: 10000,
			DOMTTL:       Duration(60 * time.Second),
		},
		Logging:  LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Channels: ChannelsConfig{EventBuffer: 1024},
		Ingest: IngestConfig{
			BookDepth:          200,
			TopLevels:          200,
			SnapshotRetries:    5,
			SnapshotTimeout:    Duration(10 * time.Second),
			IdleReadTimeout:    Duration(30 * time.Second),
			MaxResnapshotsPerM: 6,
		},
		Analytics: AnalyticsConfig{
			Tape:      TapeConfig{Enabled: true, Window: Duration(60 * time.Second), MaxCount: 5000},
			Heatmap:   HeatmapConfig{Enabled: true, SampleInterval: Duration(time.Second), BinMultiplier: 10, History: Duration(10 * time.Minute)},
			Footprint: FootprintConfig{Enabled: true, BarMs: 60000, ImbalanceRatio: 3},
			Iceberg:   IcebergConfig{Enabled: true, ConsumedRatio: 5, MinReplenishes: 3, Window: Duration(60 * time.Second)},
			Wall:      WallConfig{Enabled: true, MedianMult: 10, MinResidency: Duration(2 * time.Second), SpoofWindow: Duration(time.Second), BandLevels: 20},
			Trend:     TrendConfig{Enabled: true, Window: 50, WeightDelta: 1, WeightVolume: 1, WeightBook: 1},
		},
		Gateway: GatewayConfig{
			Address:      ":8080",
			SendQueue:    1024,
			LowWater:     768,
			PingInterval: Duration(20 * time.Second),
			TradesLimit:  1000,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("BROKER_URL"); v != "" {
		cfg.Broker.URL = v
	}
	if v := os.Getenv("SYMBOLS_BYBIT"); v != "" {
		cfg.Source.Bybit.Symbols = splitList(v)
	}
	if v := os.Getenv("SYMBOLS_BINANCE"); v != "" {
		cfg.Source.Binance.Symbols = splitList(v)
	}
	if v := os.Getenv("SYMBOLS_OKX"); v != "" {
		cfg.Source.Okx.Symbols = splitList(v)
	}
	if v := os.Getenv("HEATMAP_BIN_MULT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return fmt.Errorf("invalid HEATMAP_BIN_MULT %q", v)
		}
		cfg.Analytics.Heatmap.BinMultiplier = f
	}
	if v := os.Getenv("FOOTPRINT_BAR_MS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid FOOTPRINT_BAR_MS %q", v)
		}
		cfg.Analytics.Footprint.BarMs = n
	}
	if v := os.Getenv("ICEBERG_K"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return fmt.Errorf("invalid ICEBERG_K %q", v)
		}
		cfg.Analytics.Iceberg.ConsumedRatio = f
	}
	if v := os.Getenv("WALL_X"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return fmt.Errorf("invalid WALL_X %q", v)
		}
		cfg.Analytics.Wall.MedianMult = f
	}
	if v := os.Getenv("SPOOF_T2_MS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid SPOOF_T2_MS %q", v)
		}
		cfg.Analytics.Wall.SpoofWindow = Duration(time.Duration(n) * time.Millisecond)
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if cfg.Broker.URL == "" {
		return fmt.Errorf("broker url is required (broker.url or BROKER_URL)")
	}
	if cfg.Ingest.TopLevels <= 0 {
		return fmt.Errorf("ingest.top_levels must be positive")
	}
	if cfg.Gateway.SendQueue <= 0 {
		return fmt.Errorf("gateway.send_queue must be positive")
	}
	if cfg.Gateway.LowWater <= 0 || cfg.Gateway.LowWater >= cfg.Gateway.SendQueue {
		cfg.Gateway.LowWater = cfg.Gateway.SendQueue * 3 / 4
	}
	for _, ex := range []struct {
		name string
		ec   *ExchangeConfig
	}{{"bybit", &cfg.Source.Bybit}, {"binance", &cfg.Source.Binance}, {"okx", &cfg.Source.Okx}} {
		if ex.ec.Enabled && len(ex.ec.Symbols) == 0 {
			return fmt.Errorf("source.%s enabled with no symbols", ex.name)
		}
	}
	return nil
}

// TickSize reports the instrument tick size for a symbol on an exchange,
// falling back to 0.1 when not configured. Heatmap bin sizing derives from
// this single source.
func (c *Config) TickSize(exchange, symbol string) float64 {
	var ec *ExchangeConfig
	switch exchange {
	case "bybit":
		ec = &c.Source.Bybit
	case "binance":
		ec = &c.Source.Binance
	case "okx":
		ec = &c.Source.Okx
	default:
		return 0.1
	}
	if ts, ok := ec.TickSizes[symbol]; ok && ts > 0 {
		return ts
	}
	return 0.1
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
