// Package config carries the ambient Controller-level and enumeration-
// tuning settings, loaded from YAML the way the teacher loads
// common.GlobalConfig/common.ServiceYaml at startup (§1 "Configuration").
package config

import (
	"io"
	"os"
	"time"

	"github.com/imdario/mergo"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Controller groups the Controller-wide settings named in SPEC_FULL.md §1
// (interface name, discovery delay, full-static-enumeration toggle,
// entity-model-cache toggle), mirroring the teacher's Olt-scoped config
// block.
type Controller struct {
	InterfaceName           string        `yaml:"interfaceName"`
	AutomaticDiscoveryDelay time.Duration `yaml:"automaticDiscoveryDelay"`
	FullStaticEnumeration   bool          `yaml:"fullStaticEnumeration"`
	EntityModelCacheEnabled bool          `yaml:"entityModelCacheEnabled"`
}

// Enumeration groups per-run enumeration tuning: retry budgets and backoff
// factors. The values are loaded but nothing consults them; internal/retry
// uses its own fixed package-level budgets and backoff.
type Enumeration struct {
	RetryBudgetOverride map[string]int `yaml:"retryBudgetOverride"`
	BackoffMinMillis    int            `yaml:"backoffMinMillis"`
	BackoffMaxMillis    int            `yaml:"backoffMaxMillis"`
	BackoffFactor       float64        `yaml:"backoffFactor"`
}

// Observability groups the optional Kafka event mirror settings.
type Observability struct {
	PublishEvents bool     `yaml:"publishEvents"`
	KafkaBrokers  []string `yaml:"kafkaBrokers"`
	KafkaTopic    string   `yaml:"kafkaTopic"`
}

// Admin groups the optional gRPC/REST administrative surface settings.
type Admin struct {
	Enabled    bool   `yaml:"enabled"`
	GRPCListen string `yaml:"grpcListen"`
	HTTPListen string `yaml:"httpListen"`
}

// Config is the top-level document loaded by Load.
type Config struct {
	Controller    Controller    `yaml:"controller"`
	Enumeration   Enumeration   `yaml:"enumeration"`
	Observability Observability `yaml:"observability"`
	Admin         Admin         `yaml:"admin"`
}

// Default returns the zero-config starting point, analogous to the
// teacher's compiled-in common.GlobalConfig defaults.
func Default() Config {
	return Config{
		Controller: Controller{
			AutomaticDiscoveryDelay: 10 * time.Second,
			FullStaticEnumeration:   false,
			EntityModelCacheEnabled: true,
		},
		Enumeration: Enumeration{
			BackoffMinMillis: 50,
			BackoffMaxMillis: 2000,
			BackoffFactor:    2,
		},
	}
}

// Load reads a YAML document from r and merges it over Default(), the same
// "parse then mergo.Merge with defaults" shape the teacher uses for
// common.ServiceYaml.
func Load(r io.Reader) (Config, error) {
	cfg := Default()
	data, err := io.ReadAll(r)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return cfg, errors.Wrap(err, "parse config yaml")
	}
	if err := mergo.Merge(&parsed, cfg); err != nil {
		return cfg, errors.Wrap(err, "merge config defaults")
	}
	return parsed, nil
}

// LoadFile opens path and delegates to Load.
func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Default(), errors.Wrapf(err, "open config file %s", path)
	}
	defer f.Close()
	return Load(f)
}
