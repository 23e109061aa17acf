package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Merge policy values for provisional half-association splicing when the
// endpoint addresses of the two candidates differ (NAT or multihoming).
const (
	MergeLoose  = "loose"  // splice on port/tag evidence alone
	MergeStrict = "strict" // also require matching addresses
)

// Config holds the analyzer settings read from config.yaml.
type Config struct {
	PayloadPoolSize      int    `yaml:"payloadPoolSize"`      // number of payload chunks in the ring pool
	MaxFragmentSize      int    `yaml:"maxFragmentSize"`      // payload chunk buffer length in bytes
	MaxRetransmitEvents  int    `yaml:"maxRetransmitEvents"`  // stored retransmit events per TSN record
	MaxAckWalk           int    `yaml:"maxAckWalk"`           // widest TSN range one ack may stamp
	MergePolicy          string `yaml:"mergePolicy"`          // "loose" or "strict"
	PoolDebug            bool   `yaml:"poolDebug"`            // ring pool footprint debugging
	ProcessTimeThreshold int    `yaml:"processTimeThreshold"` // pool chunk processing time threshold in ms
	LogLevel             string `yaml:"logLevel"`             // critical, error, warning, notice, info or debug
}

// AppConfig is the process-wide configuration, set by ReadConfig.
var AppConfig *Config

func DefaultConfig() *Config {
	return &Config{
		PayloadPoolSize:      2048,
		MaxFragmentSize:      65536,
		MaxRetransmitEvents:  32,
		MaxAckWalk:           5000,
		MergePolicy:          MergeLoose,
		PoolDebug:            false,
		ProcessTimeThreshold: 10,
		LogLevel:             "info",
	}
}

// ReadConfig loads path on top of the defaults. A missing file is not an
// error; the defaults are returned so the analyzer runs without a config.yaml.
func ReadConfig(path string) (*Config, error) {
	conf := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return conf, nil
		}
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}

	if err := conf.Validate(); err != nil {
		return nil, errors.Wrapf(err, "validate config %s", path)
	}

	return conf, nil
}

func (c *Config) Validate() error {
	if c.PayloadPoolSize <= 0 {
		return errors.New("payloadPoolSize must be positive")
	}
	if c.MaxFragmentSize <= 0 {
		return errors.New("maxFragmentSize must be positive")
	}
	if c.MaxRetransmitEvents <= 0 {
		return errors.New("maxRetransmitEvents must be positive")
	}
	if c.MaxAckWalk <= 0 {
		return errors.New("maxAckWalk must be positive")
	}
	if c.MergePolicy != MergeLoose && c.MergePolicy != MergeStrict {
		return errors.Errorf("mergePolicy must be %q or %q, got %q", MergeLoose, MergeStrict, c.MergePolicy)
	}
	return nil
}
