// Package config implements the YAML configuration of the update agent.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/256dpi/naos-ota/pkg/flash"
	"github.com/256dpi/naos-ota/pkg/mdns"
	"github.com/256dpi/naos-ota/pkg/nvs"
	"github.com/256dpi/naos-ota/pkg/ota"
)

// The available NVS backends.
const (
	Memory = "memory"
	File   = "file"
	SQLite = "sqlite"
)

// NVS configures the persisted state.
type NVS struct {
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
}

// Flash configures the partition table.
type Flash struct {
	Dir     string       `yaml:"dir"`
	Pattern string       `yaml:"pattern,omitempty"`
	Slots   []flash.Slot `yaml:"slots"`
}

// MQTT configures status reporting.
type MQTT struct {
	Broker   string `yaml:"broker,omitempty"`
	ClientID string `yaml:"client_id,omitempty"`
	Base     string `yaml:"base,omitempty"`
	QOS      uint8  `yaml:"qos,omitempty"`
	Retain   bool   `yaml:"retain,omitempty"`
}

// MDNS configures discovery.
type MDNS struct {
	Service string `yaml:"service,omitempty"`
}

// Config represents the contents of the configuration file.
type Config struct {
	DescriptorURL string        `yaml:"descriptor_url"`
	ImageURL      string        `yaml:"image_url"`
	CertFile      string        `yaml:"cert_file"`
	Timeout       time.Duration `yaml:"timeout"`
	ChunkSize     int           `yaml:"chunk_size"`
	MaxDescriptor int           `yaml:"max_descriptor,omitempty"`
	NVS           NVS           `yaml:"nvs"`
	Flash         Flash         `yaml:"flash"`
	MQTT          MQTT          `yaml:"mqtt,omitempty"`
	MDNS          MDNS          `yaml:"mdns,omitempty"`
}

// New creates a new Config with defaults.
func New() *Config {
	return &Config{
		Timeout:   30 * time.Second,
		ChunkSize: ota.DefaultChunkSize,
		NVS: NVS{
			Backend:   File,
			Path:      "nvs.yaml",
			Namespace: nvs.DefaultNamespace,
		},
		Flash: Flash{
			Dir:     "flash",
			Pattern: flash.DefaultPattern,
			Slots: []flash.Slot{
				{Label: "factory", Size: 1 << 20},
				{Label: "ota_0", Size: 1 << 20},
				{Label: "ota_1", Size: 1 << 20},
			},
		},
		MQTT: MQTT{
			ClientID: "naos-ota",
		},
		MDNS: MDNS{
			Service: mdns.DefaultService,
		},
	}
}

// Read will attempt to read the configuration file at the specified path.
// Missing values are filled with defaults.
func Read(path string) (*Config, error) {
	// prepare config
	cfg := New()

	// read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// decode data
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		return nil, err
	}

	// validate
	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	// check values
	if c.Timeout < 0 {
		return errors.New("negative timeout")
	} else if c.ChunkSize < ota.MinChunkSize {
		return fmt.Errorf("chunk size below %d", ota.MinChunkSize)
	} else if c.MaxDescriptor < 0 {
		return errors.New("negative max descriptor")
	} else if c.MQTT.QOS > 2 {
		return fmt.Errorf("invalid qos: %d", c.MQTT.QOS)
	}

	// check backend
	if !lo.Contains([]string{Memory, File, SQLite}, c.NVS.Backend) {
		return fmt.Errorf("unknown nvs backend: %q", c.NVS.Backend)
	} else if c.NVS.Backend != Memory && c.NVS.Path == "" {
		return errors.New("missing nvs path")
	}

	// check flash
	if c.Flash.Dir == "" {
		return errors.New("missing flash dir")
	} else if len(c.Flash.Slots) == 0 {
		return errors.New("missing flash slots")
	}

	return nil
}

// Save will write the configuration file to the specified path.
func (c *Config) Save(path string) error {
	// encode data
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	// write config
	err = os.WriteFile(path, data, 0644)
	if err != nil {
		return err
	}

	return nil
}

// Cert reads the PEM encoded certificate file.
func (c *Config) Cert() ([]byte, error) {
	// check file
	if c.CertFile == "" {
		return nil, ota.ErrNoTrustAnchor
	}

	return os.ReadFile(c.CertFile)
}

// OTA returns the connection config for the provided URL.
func (c *Config) OTA(url string, cert []byte) ota.Config {
	return ota.Config{
		URL:     url,
		CertPEM: cert,
		Timeout: c.Timeout,
	}
}

// OpenBackend opens the configured NVS backend. The returned function must
// be called when the backend is not used anymore.
func (c *Config) OpenBackend() (nvs.Backend, func() error, error) {
	// prepare noop
	noop := func() error { return nil }

	switch c.NVS.Backend {
	case Memory:
		return nvs.NewMemory(), noop, nil
	case File:
		file, err := nvs.OpenFile(c.NVS.Path)
		if err != nil {
			return nil, nil, err
		}
		return file, noop, nil
	case SQLite:
		db, err := nvs.OpenSQLite(c.NVS.Path)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown nvs backend: %q", c.NVS.Backend)
	}
}
