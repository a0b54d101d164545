// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"
)

const (
	generatedCLIFlagUsage = "generated"

	TunerKindProfile = "profile"
	TunerKindBitrate = "bitrate"
)

var (
	ErrInvalidPortRange = errors.New("invalid ICE port range")
	ErrNoChannelLabel   = errors.New("data channel label must not be empty")
	ErrInvalidTunerKind = errors.New("tuner kind must be profile or bitrate")

	durationType = reflect.TypeOf(time.Duration(0))
)

type Config struct {
	Port           uint32   `yaml:"port,omitempty"`
	BindAddresses  []string `yaml:"bind_addresses,omitempty"`
	PrometheusPort uint32   `yaml:"prometheus_port,omitempty"`

	RTC     RTCConfig     `yaml:"rtc,omitempty"`
	Signal  SignalConfig  `yaml:"signal,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
	Stream  StreamConfig  `yaml:"stream,omitempty"`
	Tuner   TunerConfig   `yaml:"tuner,omitempty"`
	Probe   ProbeConfig   `yaml:"probe,omitempty"`
	STUN    STUNConfig    `yaml:"stun,omitempty"`
	Logging LoggingConfig `yaml:"logging,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

type RTCConfig struct {
	ICEServers        []string `yaml:"ice_servers,omitempty"`
	ICEPortRangeStart uint16   `yaml:"port_range_start,omitempty"`
	ICEPortRangeEnd   uint16   `yaml:"port_range_end,omitempty"`
	NodeIP            string   `yaml:"node_ip,omitempty"`
	// resolve NodeIP through the first STUN entry in ICEServers
	UseExternalIP bool `yaml:"use_external_ip,omitempty"`

	IncludeLoopbackCandidate bool `yaml:"include_loopback_candidate,omitempty"`
	DisableMDNS              bool `yaml:"disable_mdns,omitempty"`

	DataChannelLabel string `yaml:"data_channel_label,omitempty"`
	Ordered          bool   `yaml:"ordered,omitempty"`
	MaxRetransmits   uint16 `yaml:"max_retransmits,omitempty" config:"allowempty"`

	// how long Connect waits for the data channel to open
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
}

type SignalConfig struct {
	Path         string        `yaml:"path,omitempty"`
	PingInterval time.Duration `yaml:"ping_interval,omitempty"`
	PingTimeout  time.Duration `yaml:"ping_timeout,omitempty"`
}

type MetricsConfig struct {
	// minimum spacing between quality reports, measured on packet timestamps
	ThrottleInterval  time.Duration `yaml:"throttle_interval,omitempty"`
	ComputeThroughput bool          `yaml:"compute_throughput,omitempty"`
	LossWindow        time.Duration `yaml:"loss_window,omitempty"`
	JitterGain        float64       `yaml:"jitter_gain,omitempty"`
}

type StreamConfig struct {
	PacketSize        int           `yaml:"packet_size,omitempty"`
	MaxTestDuration   time.Duration `yaml:"max_test_duration,omitempty"`
	RateCheckInterval time.Duration `yaml:"rate_check_interval,omitempty"`
	InitialInterval   time.Duration `yaml:"initial_interval,omitempty"`
}

type TunerConfig struct {
	Kind    string             `yaml:"kind,omitempty"`
	Profile ProfileTunerConfig `yaml:"profile,omitempty"`
	Bitrate BitrateTunerConfig `yaml:"bitrate,omitempty"`
}

type ProfileTunerConfig struct {
	AdaptInterval    time.Duration `yaml:"adapt_interval,omitempty"`
	StableIntervals  int           `yaml:"stable_intervals,omitempty"`
	FailureIntervals int           `yaml:"failure_intervals,omitempty"`
}

type BitrateTunerConfig struct {
	AdaptInterval      time.Duration `yaml:"adapt_interval,omitempty"`
	StableIntervals    int           `yaml:"stable_intervals,omitempty"`
	FailureIntervals   int           `yaml:"failure_intervals,omitempty"`
	DeviationIntervals int           `yaml:"deviation_intervals,omitempty"`
	InitialBitrate     uint32        `yaml:"initial_bitrate,omitempty"`
	MaxBitrate         uint32        `yaml:"max_bitrate,omitempty"`
	MinBitrate         uint32        `yaml:"min_bitrate,omitempty"`
	StepSize           uint32        `yaml:"step_size,omitempty"`
	MaxLossRate        float64       `yaml:"max_loss_rate,omitempty"`
	MaxJitter          float64       `yaml:"max_jitter,omitempty"`
	MaxDeviation       float64       `yaml:"max_deviation,omitempty"`
	ThroughputRatio    float64       `yaml:"throughput_ratio,omitempty"`
	MinImprovement     float64       `yaml:"min_improvement,omitempty"`
}

type ProbeConfig struct {
	Enabled     bool          `yaml:"enabled,omitempty"`
	Servers     []string      `yaml:"servers,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	Concurrency int           `yaml:"concurrency,omitempty"`
}

// STUNConfig runs an embedded STUN responder next to the signal service. Zero disables it.
type STUNConfig struct {
	UDPPort uint32 `yaml:"udp_port,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline"`
	PionLevel     string `yaml:"pion_level,omitempty"`
}

var DefaultConfig = Config{
	Port: 7880,
	RTC: RTCConfig{
		ICEServers:       []string{"stun:stun.l.google.com:19302"},
		DataChannelLabel: "networkTest",
		Ordered:          false,
		MaxRetransmits:   0,
		ConnectTimeout:   30 * time.Second,
	},
	Signal: SignalConfig{
		Path:         "/litmus",
		PingInterval: 10 * time.Second,
		PingTimeout:  2 * time.Second,
	},
	Metrics: MetricsConfig{
		ThrottleInterval:  200 * time.Millisecond,
		ComputeThroughput: true,
		LossWindow:        time.Second,
		JitterGain:        16,
	},
	Stream: StreamConfig{
		PacketSize:        1200,
		MaxTestDuration:   200 * time.Second,
		RateCheckInterval: 100 * time.Millisecond,
		InitialInterval:   100 * time.Millisecond,
	},
	Tuner: TunerConfig{
		Kind: TunerKindProfile,
		Profile: ProfileTunerConfig{
			AdaptInterval:    500 * time.Millisecond,
			StableIntervals:  4,
			FailureIntervals: 2,
		},
		Bitrate: BitrateTunerConfig{
			AdaptInterval:      200 * time.Millisecond,
			StableIntervals:    8,
			FailureIntervals:   4,
			DeviationIntervals: 4,
			InitialBitrate:     1000,
			MaxBitrate:         50000,
			MinBitrate:         1000,
			StepSize:           1000,
			MaxLossRate:        0.01,
			MaxJitter:          20,
			MaxDeviation:       0.3,
			ThroughputRatio:    0.95,
			MinImprovement:     0.05,
		},
	},
	Probe: ProbeConfig{
		Servers:     []string{"stun.l.google.com:19302", "stun1.l.google.com:19302"},
		Timeout:     3 * time.Second,
		Concurrency: 4,
	},
	Logging: LoggingConfig{
		PionLevel: "error",
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	err = yaml.Unmarshal(marshalled, &conf)
	if err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("could not validate config: %v", err)
	}

	if conf.RTC.UseExternalIP && conf.RTC.NodeIP == "" {
		ip, err := conf.determineIP()
		if err != nil {
			return nil, err
		}
		conf.RTC.NodeIP = ip
	}

	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}

	return &conf, nil
}

func (conf *Config) Validate() error {
	var errs error
	errs = multierr.Append(errs, conf.RTC.Validate())
	if conf.Signal.Path == "" || !strings.HasPrefix(conf.Signal.Path, "/") {
		errs = multierr.Append(errs, fmt.Errorf("signal path must start with /: %q", conf.Signal.Path))
	}
	if conf.Metrics.JitterGain < 1 {
		errs = multierr.Append(errs, fmt.Errorf("jitter gain must be at least 1, got %v", conf.Metrics.JitterGain))
	}
	if conf.Metrics.ThrottleInterval <= 0 {
		errs = multierr.Append(errs, errors.New("throttle interval must be positive"))
	}
	if conf.Metrics.LossWindow <= 0 {
		errs = multierr.Append(errs, errors.New("loss window must be positive"))
	}
	if conf.Stream.PacketSize < 12 {
		errs = multierr.Append(errs, fmt.Errorf("packet size must hold a 12 byte header, got %d", conf.Stream.PacketSize))
	}
	switch conf.Tuner.Kind {
	case TunerKindProfile, TunerKindBitrate:
	default:
		errs = multierr.Append(errs, ErrInvalidTunerKind)
	}
	if b := conf.Tuner.Bitrate; b.MinBitrate > b.MaxBitrate {
		errs = multierr.Append(errs, fmt.Errorf("min bitrate %d exceeds max bitrate %d", b.MinBitrate, b.MaxBitrate))
	}
	return errs
}

func (r *RTCConfig) Validate() error {
	var errs error
	if (r.ICEPortRangeStart == 0) != (r.ICEPortRangeEnd == 0) || r.ICEPortRangeStart > r.ICEPortRangeEnd {
		errs = multierr.Append(errs, errors.Wrapf(ErrInvalidPortRange, "%d-%d", r.ICEPortRangeStart, r.ICEPortRangeEnd))
	}
	if r.DataChannelLabel == "" {
		errs = multierr.Append(errs, ErrNoChannelLabel)
	}
	return errs
}

type configNode struct {
	TypeNode  reflect.Value
	TagPrefix string
}

func (conf *Config) ToCLIFlagNames(existingFlags []cli.Flag) map[string]reflect.Value {
	existingFlagNames := map[string]bool{}
	for _, flag := range existingFlags {
		for _, flagName := range flag.Names() {
			existingFlagNames[flagName] = true
		}
	}

	flagNames := map[string]reflect.Value{}
	var currNode configNode
	nodes := []configNode{{reflect.ValueOf(conf).Elem(), ""}}
	for len(nodes) > 0 {
		currNode, nodes = nodes[0], nodes[1:]
		for i := 0; i < currNode.TypeNode.NumField(); i++ {
			// inspect yaml tag from struct field to get path
			field := currNode.TypeNode.Type().Field(i)
			yamlTagArray := strings.SplitN(field.Tag.Get("yaml"), ",", 2)
			yamlTag := yamlTagArray[0]
			isInline := len(yamlTagArray) > 1 && strings.HasPrefix(yamlTagArray[1], "inline")
			if (yamlTag == "" && (!isInline || currNode.TagPrefix == "")) || yamlTag == "-" {
				continue
			}
			yamlPath := yamlTag
			if currNode.TagPrefix != "" {
				if isInline {
					yamlPath = currNode.TagPrefix
				} else {
					yamlPath = fmt.Sprintf("%s.%s", currNode.TagPrefix, yamlTag)
				}
			}
			if existingFlagNames[yamlPath] {
				continue
			}

			value := currNode.TypeNode.Field(i)
			if value.Kind() == reflect.Struct {
				nodes = append(nodes, configNode{value, yamlPath})
			} else {
				flagNames[yamlPath] = value
			}
		}
	}

	return flagNames
}

// GenerateCLIFlags exposes every scalar config field as a flag named after its yaml path,
// e.g. --metrics.throttle_interval.
func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		envVar := fmt.Sprintf("LITMUS_%s", strings.ToUpper(strings.ReplaceAll(name, ".", "_")))

		var flag cli.Flag
		if value.Type() == durationType {
			flags = append(flags, &cli.DurationFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			})
			continue
		}

		switch kind := value.Kind(); kind {
		case reflect.Bool:
			flag = &cli.BoolFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.String:
			flag = &cli.StringFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int, reflect.Int32, reflect.Int64:
			flag = &cli.Int64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			flag = &cli.Uint64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Float32, reflect.Float64:
			flag = &cli.Float64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Slice, reflect.Map:
			continue
		default:
			return flags, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, kind.String())
		}

		flags = append(flags, flag)
	}

	return flags, nil
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	generatedFlagNames := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		flagName := flag.Names()[0]

		if !c.IsSet(flagName) {
			continue
		}

		configValue, ok := generatedFlagNames[flagName]
		if !ok {
			continue
		}

		if configValue.Type() == durationType {
			configValue.SetInt(int64(c.Duration(flagName)))
			continue
		}

		switch kind := configValue.Kind(); kind {
		case reflect.Bool:
			configValue.SetBool(c.Bool(flagName))
		case reflect.String:
			configValue.SetString(c.String(flagName))
		case reflect.Int, reflect.Int32, reflect.Int64:
			configValue.SetInt(c.Int64(flagName))
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			configValue.SetUint(c.Uint64(flagName))
		case reflect.Float32, reflect.Float64:
			configValue.SetFloat(c.Float64(flagName))
		default:
			return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", flagName, kind.String())
		}
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("port") {
		conf.Port = uint32(c.Uint("port"))
	}
	if c.IsSet("bind") {
		conf.BindAddresses = c.StringSlice("bind")
	}
	if c.IsSet("node-ip") {
		conf.RTC.NodeIP = c.String("node-ip")
	}
	if c.IsSet("ice-server") {
		conf.RTC.ICEServers = c.StringSlice("ice-server")
	}
	if c.IsSet("tuner") {
		conf.Tuner.Kind = c.String("tuner")
	}
	if c.IsSet("probe") {
		conf.Probe.Enabled = c.Bool("probe")
	}
	return nil
}

func InitLoggerFromConfig(config *LoggingConfig) {
	logger.InitFromConfig(config.Config, "litmus")
}

func getConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	path, err := homedir.Expand(os.ExpandEnv(configFile))
	if err != nil {
		return "", err
	}
	outConfigBody, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	return string(outConfigBody), nil
}

// LoadConfig reads the config file or inline body named by the `config` and `config-body` flags.
func LoadConfig(c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	configFile := c.String("config")
	configBody := c.String("config-body")
	confString, err := getConfigString(configFile, configBody)
	if err != nil {
		return nil, err
	}

	return NewConfig(confString, !c.Bool("disable-strict-config"), c, baseFlags)
}
