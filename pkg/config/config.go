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

	"github.com/livekit/media-transform/pkg/dtlssrtp"
	"github.com/livekit/media-transform/pkg/pacer"
)

const (
	generatedCLIFlagUsage = "generated"
	envPrefix             = "MEDIA_TRANSFORM"
	loggerName            = "media-transform"
)

var (
	ErrInvalidCacheSize    = errors.New("packet_cache.packets_per_stream must be positive")
	ErrInvalidSessionCache = errors.New("dtls.session_cache_size cannot be negative")
	ErrInvalidCluster      = errors.New("probing.cluster_max_duration must not be shorter than cluster_min_duration")
	ErrIncompleteKeyPair   = errors.New("dtls.certificate_file and dtls.key_file must be set together")
)

type Config struct {
	PrometheusPort uint32            `yaml:"prometheus_port,omitempty"`
	Logging        LoggingConfig     `yaml:"logging,omitempty"`
	DTLS           DTLSConfig        `yaml:"dtls,omitempty"`
	Probing        ProbingConfig     `yaml:"probing,omitempty"`
	PacketCache    PacketCacheConfig `yaml:"packet_cache,omitempty"`
	NodeID         string            `yaml:"node_id,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline"`
	PionLevel     string `yaml:"pion_level,omitempty"`
}

type DTLSConfig struct {
	// ordered by preference, names as in RFC 5764 with or without the SRTP_ prefix
	SRTPProfiles       []string            `yaml:"srtp_profiles,omitempty"`
	ServerName         string              `yaml:"server_name,omitempty"`
	SessionCacheSize   int                 `yaml:"session_cache_size,omitempty"`
	MTU                int                 `yaml:"mtu,omitempty"`
	FlightInterval     time.Duration       `yaml:"flight_interval,omitempty"`
	HandshakeTimeout   time.Duration       `yaml:"handshake_timeout,omitempty"`
	RemoteFingerprints []FingerprintConfig `yaml:"remote_fingerprints,omitempty"`
	// PEM files; a self-signed RSA certificate is generated when unset
	CertificateFile string `yaml:"certificate_file,omitempty"`
	KeyFile         string `yaml:"key_file,omitempty"`
}

type FingerprintConfig struct {
	Algorithm string `yaml:"algorithm,omitempty"`
	Value     string `yaml:"value,omitempty"`
}

type ProbingConfig struct {
	ClusterMinDuration  time.Duration `yaml:"cluster_min_duration,omitempty"`
	ClusterMaxDuration  time.Duration `yaml:"cluster_max_duration,omitempty"`
	Pacer               pacer.Kind    `yaml:"pacer,omitempty"`
	LeakyBucketInterval time.Duration `yaml:"leaky_bucket_interval,omitempty"`
	LeakyBucketBitrate  int           `yaml:"leaky_bucket_bitrate,omitempty"`
}

type PacketCacheConfig struct {
	PacketsPerStream int `yaml:"packets_per_stream,omitempty"`
}

var DefaultConfig = Config{
	Logging: LoggingConfig{
		PionLevel: "error",
	},
	DTLS: DTLSConfig{
		SRTPProfiles: []string{
			dtlssrtp.ProfileName(dtlssrtp.ProfileAeadAes128Gcm),
			dtlssrtp.ProfileName(dtlssrtp.ProfileAes128CmHmacSha1_80),
		},
		SessionCacheSize: 64,
		MTU:              1200,
		FlightInterval:   time.Second,
		HandshakeTimeout: 10 * time.Second,
	},
	Probing: ProbingConfig{
		ClusterMinDuration:  500 * time.Millisecond,
		ClusterMaxDuration:  2 * time.Second,
		Pacer:               pacer.KindLeakyBucket,
		LeakyBucketInterval: 10 * time.Millisecond,
		LeakyBucketBitrate:  5_000_000,
	},
	PacketCache: PacketCacheConfig{
		PacketsPerStream: 512,
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

	// expand env vars in filenames
	for _, file := range []*string{&conf.DTLS.CertificateFile, &conf.DTLS.KeyFile} {
		if *file == "" {
			continue
		}
		expanded, err := homedir.Expand(os.ExpandEnv(*file))
		if err != nil {
			return nil, err
		}
		*file = expanded
	}

	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}
	if conf.Logging.PionLevel != "" {
		if conf.Logging.ComponentLevels == nil {
			conf.Logging.ComponentLevels = map[string]string{}
		}
		conf.Logging.ComponentLevels["pion"] = conf.Logging.PionLevel
	}

	if err := conf.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return &conf, nil
}

func (conf *Config) Validate() error {
	var errs error
	if _, err := dtlssrtp.ParseProfiles(conf.DTLS.SRTPProfiles); err != nil {
		errs = multierr.Append(errs, err)
	}
	if conf.DTLS.SessionCacheSize < 0 {
		errs = multierr.Append(errs, ErrInvalidSessionCache)
	}
	if (conf.DTLS.CertificateFile == "") != (conf.DTLS.KeyFile == "") {
		errs = multierr.Append(errs, ErrIncompleteKeyPair)
	}
	for _, fp := range conf.DTLS.RemoteFingerprints {
		if fp.Algorithm == "" || fp.Value == "" {
			errs = multierr.Append(errs, fmt.Errorf("remote fingerprint needs algorithm and value, got %q %q", fp.Algorithm, fp.Value))
		}
	}

	switch conf.Probing.Pacer {
	case pacer.KindPassThrough, pacer.KindNoQueue, pacer.KindLeakyBucket:
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown pacer %q", conf.Probing.Pacer))
	}
	if conf.Probing.ClusterMaxDuration < conf.Probing.ClusterMinDuration {
		errs = multierr.Append(errs, ErrInvalidCluster)
	}

	if conf.PacketCache.PacketsPerStream <= 0 {
		errs = multierr.Append(errs, ErrInvalidCacheSize)
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
			isInline := false
			if len(yamlTagArray) > 1 && yamlTagArray[1] == "inline" {
				isInline = true
			}
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

			// map flag name to value
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

func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		kind := value.Kind()
		if kind == reflect.Ptr {
			kind = value.Type().Elem().Kind()
		}

		var flag cli.Flag
		envVar := fmt.Sprintf("%s_%s", envPrefix, strings.ToUpper(strings.Replace(name, ".", "_", -1)))

		switch {
		case value.Type() == reflect.TypeOf(time.Duration(0)):
			flag = &cli.DurationFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Bool:
			flag = &cli.BoolFlag{
				Name:   name,
				Usage:  generatedCLIFlagUsage,
				Hidden: hidden,
			}
		case kind == reflect.String:
			flag = &cli.StringFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Int, kind == reflect.Int32, kind == reflect.Int64:
			flag = &cli.Int64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Uint8, kind == reflect.Uint16, kind == reflect.Uint32, kind == reflect.Uint64:
			flag = &cli.Uint64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Float32, kind == reflect.Float64:
			flag = &cli.Float64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Slice, kind == reflect.Map, kind == reflect.Struct:
			// lists have dedicated flags
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

		// the `c.App.Name != "test"` check is needed because `c.IsSet(...)` is always false in unit tests
		if !c.IsSet(flagName) && c.App.Name != "test" {
			continue
		}

		configValue, ok := generatedFlagNames[flagName]
		if !ok {
			continue
		}

		kind := configValue.Kind()
		if kind == reflect.Ptr {
			// instantiate value to be set
			configValue.Set(reflect.New(configValue.Type().Elem()))

			kind = configValue.Type().Elem().Kind()
			configValue = configValue.Elem()
		}

		switch {
		case configValue.Type() == reflect.TypeOf(time.Duration(0)):
			configValue.SetInt(int64(c.Duration(flagName)))
		case kind == reflect.Bool:
			configValue.SetBool(c.Bool(flagName))
		case kind == reflect.String:
			configValue.SetString(c.String(flagName))
		case kind == reflect.Int, kind == reflect.Int32, kind == reflect.Int64:
			configValue.SetInt(c.Int64(flagName))
		case kind == reflect.Uint8, kind == reflect.Uint16, kind == reflect.Uint32, kind == reflect.Uint64:
			configValue.SetUint(c.Uint64(flagName))
		case kind == reflect.Float32, kind == reflect.Float64:
			configValue.SetFloat(c.Float64(flagName))
		default:
			return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", flagName, kind.String())
		}
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("srtp-profile") {
		conf.DTLS.SRTPProfiles = c.StringSlice("srtp-profile")
	}
	if c.IsSet("fingerprint") {
		fingerprints, err := parseFingerprints(c.StringSlice("fingerprint"))
		if err != nil {
			return err
		}
		conf.DTLS.RemoteFingerprints = fingerprints
	}
	if c.IsSet("node-id") {
		conf.NodeID = c.String("node-id")
	}
	return nil
}

// parseFingerprints reads SDP style "sha-256 AB:CD:..." values.
func parseFingerprints(values []string) ([]FingerprintConfig, error) {
	fingerprints := make([]FingerprintConfig, 0, len(values))
	for _, value := range values {
		fields := strings.Fields(value)
		if len(fields) != 2 {
			return nil, fmt.Errorf("could not parse fingerprint %q, expected \"<algorithm> <value>\"", value)
		}
		fingerprints = append(fingerprints, FingerprintConfig{
			Algorithm: strings.ToLower(fields[0]),
			Value:     fields[1],
		})
	}
	return fingerprints, nil
}

func GetConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	configFile, err := homedir.Expand(configFile)
	if err != nil {
		return "", err
	}
	outConfigBody, err := os.ReadFile(configFile)
	if err != nil {
		return "", err
	}

	return string(outConfigBody), nil
}

func InitLoggerFromConfig(config *LoggingConfig) {
	logger.InitFromConfig(config.Config, loggerName)
}
