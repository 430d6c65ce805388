// Package config reads the HCL configuration of the wqmon tool.
package config

import (
	"io"
	"io/ioutil"
	"os"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/geometris/wq"
	"github.com/geometris/wq/cache"
	"github.com/geometris/wq/sink"
)

const (
	DefaultBaud      = 115200
	defaultBridgeMs  = 1000
	defaultRPMMaxAge = 30
	defaultRPMLimit  = 200
)

type Config struct {
	LogLevel string `hcl:"log_level"`

	Bridge struct {
		UART      string `hcl:"uart"`
		Baud      int    `hcl:"baud"`
		TCP       string `hcl:"tcp"`
		TimeoutMs int    `hcl:"timeout_ms"`
	} `hcl:"bridge"`

	Request struct {
		TimeoutMs int `hcl:"timeout_ms"`
	} `hcl:"request"`

	Telemetry struct {
		// nil means enabled
		RPMCarryOver *bool   `hcl:"rpm_carry_over"`
		RPMMaxAgeSec int     `hcl:"rpm_max_age_sec"`
		RPMThreshold float64 `hcl:"rpm_threshold"`
		PerSession   bool    `hcl:"per_session"`
	} `hcl:"telemetry"`

	MQTT struct {
		Broker      string `hcl:"broker"`
		ClientID    string `hcl:"client_id"`
		TopicPrefix string `hcl:"topic_prefix"`
		Format      string `hcl:"format"`
		QoS         int    `hcl:"qos"`
	} `hcl:"mqtt"`

	Cache struct {
		Path string `hcl:"path"`
	} `hcl:"cache"`
}

func ReadConfig(r io.Reader) (*Config, error) {
	b, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "config read")
	}

	c := &Config{}
	if err := hcl.Unmarshal(b, c); err != nil {
		return nil, errors.Wrapf(err, "config unmarshal content='%s'", string(b))
	}
	c.setDefaults()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func ReadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &wq.Error{Code: wq.FileIO, Msg: errors.Wrapf(err, "config path=%s", path).Error()}
	}
	defer f.Close()

	c, err := ReadConfig(f)
	return c, errors.Wrapf(err, "config path=%s", path)
}

func (c *Config) setDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Bridge.Baud == 0 {
		c.Bridge.Baud = DefaultBaud
	}
	if c.Bridge.TimeoutMs == 0 {
		c.Bridge.TimeoutMs = defaultBridgeMs
	}
	if c.Request.TimeoutMs == 0 {
		c.Request.TimeoutMs = int(wq.DefaultRequestTimeout / time.Millisecond)
	}
	if c.Telemetry.RPMMaxAgeSec == 0 {
		c.Telemetry.RPMMaxAgeSec = defaultRPMMaxAge
	}
	if c.Telemetry.RPMThreshold == 0 {
		c.Telemetry.RPMThreshold = defaultRPMLimit
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "wqmon"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "wq"
	}
}

func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}

	switch {
	case c.Bridge.UART != "" && c.Bridge.TCP != "":
		return errors.New("bridge: uart and tcp are mutually exclusive")
	case c.Bridge.UART == "" && c.Bridge.TCP == "":
		return errors.New("bridge: one of uart or tcp is required")
	}
	if c.Bridge.Baud < 0 {
		return errors.Errorf("bridge: invalid baud %v", c.Bridge.Baud)
	}
	if c.Bridge.TimeoutMs < 0 {
		return errors.Errorf("bridge: invalid timeout_ms %v", c.Bridge.TimeoutMs)
	}
	if c.Request.TimeoutMs < 0 {
		return errors.Errorf("request: invalid timeout_ms %v", c.Request.TimeoutMs)
	}
	if c.Telemetry.RPMMaxAgeSec < 0 || c.Telemetry.RPMThreshold < 0 {
		return errors.New("telemetry: rpm settings must not be negative")
	}
	if _, err := sink.ParseFormat(c.MQTT.Format); err != nil {
		return errors.Wrap(err, "mqtt")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return errors.Errorf("mqtt: invalid qos %v", c.MQTT.QoS)
	}

	return nil
}

func (c *Config) BridgeTimeout() time.Duration {
	return time.Duration(c.Bridge.TimeoutMs) * time.Millisecond
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Request.TimeoutMs) * time.Millisecond
}

func (c *Config) RPMCarryOver() bool {
	return c.Telemetry.RPMCarryOver == nil || *c.Telemetry.RPMCarryOver
}

// ServiceOptions maps the config onto service options. The cache is opened
// here when a path is set.
func (c *Config) ServiceOptions() []wq.Option {
	opts := []wq.Option{
		wq.OptDefaultTimeout(c.RequestTimeout()),
		wq.OptRecordPerSession(c.Telemetry.PerSession),
	}

	if c.RPMCarryOver() {
		opts = append(opts, wq.OptRPMCarryOver(time.Duration(c.Telemetry.RPMMaxAgeSec)*time.Second, c.Telemetry.RPMThreshold))
	} else {
		opts = append(opts, wq.OptNoRPMCarryOver())
	}

	if tc := c.TelemetryCache(); tc != nil {
		opts = append(opts, wq.OptCache(tc))
	}

	return opts
}

// TelemetryCache returns the configured cache, or nil.
func (c *Config) TelemetryCache() wq.TelemetryCache {
	if c.Cache.Path == "" {
		return nil
	}
	return cache.New(c.Cache.Path)
}

// SinkConfig returns the MQTT sink settings. ok is false when no broker is
// configured.
func (c *Config) SinkConfig() (sc sink.Config, ok bool) {
	if c.MQTT.Broker == "" {
		return sc, false
	}

	f, _ := sink.ParseFormat(c.MQTT.Format)
	return sink.Config{
		TopicPrefix: c.MQTT.TopicPrefix,
		Format:      f,
		QoS:         byte(c.MQTT.QoS),
	}, true
}
