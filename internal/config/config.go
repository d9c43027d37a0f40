package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Validate when a field is left empty.
const (
	DefaultSamplingRate        = 1
	DefaultSignatureTTLSeconds = 30
	DefaultMaxActiveSignatures = 10000
	DefaultGroupingKey         = "interval_id"
	DefaultChannelCapacity     = 1000
	DefaultNumShards           = 64
	DefaultSweepInterval       = "1s"
	DefaultSampleRate          = 8000
	DefaultSpectralRatio       = 0.6
	DefaultNATSSubject         = "echotrace.signatures"
	DefaultMQTTTopic           = "echotrace/signatures"
)

// VAD modes accepted in audio_criteria.vad_mode.
const (
	VADEnergy       = "energy"
	VADZeroCrossing = "zero_crossing"
	VADSpectral     = "spectral"
	VADML           = "ml"
)

// Payload framings accepted in metadata_extraction.protocol.type.
const (
	ProtocolRaw          = "raw"
	ProtocolRTP          = "rtp"
	ProtocolJSONEnvelope = "json_envelope"
)

// Source types accepted in source.type. An empty type means the stream is
// fed by other means and no capture is opened.
const (
	SourcePcap = "pcap"
	SourceLive = "live"
)

// SourceConfig describes where a stream of packet rows comes from.
type SourceConfig struct {
	Type     string `yaml:"type"`     // "pcap" (file replay) or "live"
	Path     string `yaml:"path"`     // pcap file for type pcap
	Iface    string `yaml:"iface"`    // interface for type live
	BPF      string `yaml:"bpf"`      // optional capture filter
	Observer string `yaml:"observer"` // identity reported with rows; defaults to the node name
	// BatchSize bounds the number of rows returned by one Next call.
	BatchSize int `yaml:"batch_size"`
}

// AudioCriteria controls the voice-activity gate.
type AudioCriteria struct {
	MinDurationMs          uint32     `yaml:"min_duration_ms"`
	EnergyThreshold        float64    `yaml:"energy_threshold"`
	VADMode                string     `yaml:"vad_mode"`
	FrequencyRange         [2]float64 `yaml:"frequency_range"`
	ModelPath              string     `yaml:"model_path"`
	ZeroCrossingsPerSecond float64    `yaml:"zero_crossings_per_second"`
	SampleRate             int        `yaml:"sample_rate"`
	SpectralRatio          float64    `yaml:"spectral_ratio"`
}

// SignatureRules decides which packets of a stream are analysed.
type SignatureRules struct {
	StreamFilter  string        `yaml:"stream_filter"`
	AudioCriteria AudioCriteria `yaml:"audio_criteria"`
	SamplingRate  uint32        `yaml:"sampling_rate"`
}

// IDPattern locates one identifier inside a payload.
type IDPattern struct {
	Pattern     string `yaml:"pattern"`
	IDType      string `yaml:"id_type"`
	ValueOffset int    `yaml:"value_offset"`
	ValueLength int    `yaml:"value_length"`
}

// IsBinary reports whether Pattern is a `\xHH` byte sequence rather than a regex.
func (p IDPattern) IsBinary() bool {
	return strings.HasPrefix(p.Pattern, `\x`)
}

// Check reports a pattern that cannot be compiled.
func (p IDPattern) Check() error {
	if p.IsBinary() {
		_, err := ParseHexPattern(p.Pattern)
		return err
	}
	if _, err := regexp.Compile(p.Pattern); err != nil {
		return fmt.Errorf("invalid regex: %w", err)
	}
	return nil
}

// ParseHexPattern decodes `\x00\x42AB` style text into bytes. Characters
// outside an escape are taken literally.
func ParseHexPattern(s string) ([]byte, error) {
	out := make([]byte, 0, len(s)/4+1)
	for i := 0; i < len(s); {
		if s[i] == '\\' && i+1 < len(s) && s[i+1] == 'x' {
			if i+4 > len(s) {
				return nil, fmt.Errorf("truncated hex escape at offset %d", i)
			}
			v, err := strconv.ParseUint(s[i+2:i+4], 16, 8)
			if err != nil {
				return nil, fmt.Errorf("bad hex escape %q at offset %d", s[i:i+4], i)
			}
			out = append(out, byte(v))
			i += 4
			continue
		}
		out = append(out, s[i])
		i++
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty byte pattern")
	}
	return out, nil
}

// ProtocolConfig selects how the audio bytes are framed inside a payload.
type ProtocolConfig struct {
	Type string `yaml:"type"`
}

// MetadataExtraction holds the id patterns of a measurement.
type MetadataExtraction struct {
	HeaderOffset int            `yaml:"header_offset"`
	IDPatterns   []IDPattern    `yaml:"id_patterns"`
	Protocol     ProtocolConfig `yaml:"protocol"`
}

// CorrelationConfig bounds the pending-signature store.
type CorrelationConfig struct {
	SignatureTTLSeconds uint64 `yaml:"signature_ttl_seconds"`
	MaxActiveSignatures int    `yaml:"max_active_signatures"`
	GroupingKey         string `yaml:"grouping_key"`
}

// TTL returns the signature time-to-live as a duration.
func (c CorrelationConfig) TTL() time.Duration {
	return time.Duration(c.SignatureTTLSeconds) * time.Second
}

// MeasurementConfig is loaded once per measured stream and is read-only afterwards.
type MeasurementConfig struct {
	Name               string             `yaml:"name"`
	Enabled            bool               `yaml:"enabled"`
	Source             SourceConfig       `yaml:"source"`
	SignatureRules     SignatureRules     `yaml:"signature_rules"`
	MetadataExtraction MetadataExtraction `yaml:"metadata_extraction"`
	Correlation        CorrelationConfig  `yaml:"correlation"`
}

// NATSConfig holds the NATS transport settings.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// MQTTConfig holds the MQTT transport settings.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
}

// DisseminationConfig configures the signature broadcast channel and its fleet transport.
type DisseminationConfig struct {
	Capacity  int        `yaml:"capacity"`
	Transport string     `yaml:"transport"` // "none", "nats" or "mqtt"
	Codec     string     `yaml:"codec"`     // "protobuf" or "msgpack"
	NATS      NATSConfig `yaml:"nats"`
	MQTT      MQTTConfig `yaml:"mqtt"`
}

// MatcherConfig configures the local matcher loop.
type MatcherConfig struct {
	Enabled            bool              `yaml:"enabled"`
	Source             SourceConfig      `yaml:"source"`
	Protocol           ProtocolConfig    `yaml:"protocol"`
	SweepInterval      string            `yaml:"sweep_interval"`
	NumShards          uint32            `yaml:"num_shards"`
	DefaultCorrelation CorrelationConfig `yaml:"default_correlation"`
}

// ClickHouseConfig holds ClickHouse connection details.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TextConfig holds the text sink settings.
type TextConfig struct {
	Path string `yaml:"path"`
}

// SinkDef defines one latency observation sink.
type SinkDef struct {
	Type          string           `yaml:"type"`
	Enabled       bool             `yaml:"enabled"`
	FlushInterval string           `yaml:"flush_interval"`
	BatchSize     int              `yaml:"batch_size"`
	ClickHouse    ClickHouseConfig `yaml:"clickhouse"`
	Text          TextConfig       `yaml:"text"`
}

// APIConfig holds the listen addresses of the query and health servers.
type APIConfig struct {
	HTTPListenAddr string `yaml:"http_listen_addr"`
	GRPCListenAddr string `yaml:"grpc_listen_addr"`
}

// AlerterRule flags a measurement whose match rate is too low.
type AlerterRule struct {
	Name            string `yaml:"name"`
	MeasurementName string `yaml:"measurement_name"`
	// MinSignatures is the number of signatures that must have been emitted in a
	// check window before a zero match count is considered anomalous.
	MinSignatures uint64 `yaml:"min_signatures"`
}

// AlerterConfig holds the configuration for the alerter.
type AlerterConfig struct {
	Enabled       bool          `yaml:"enabled"`
	CheckInterval string        `yaml:"check_interval"`
	Rules         []AlerterRule `yaml:"rules"`
}

// SMTPConfig holds the configuration for the email notifier.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Node          string              `yaml:"node"`
	Measurements  []MeasurementConfig `yaml:"measurements"`
	Dissemination DisseminationConfig `yaml:"dissemination"`
	Matcher       MatcherConfig       `yaml:"matcher"`
	Sinks         []SinkDef           `yaml:"sinks"`
	API           APIConfig           `yaml:"api"`
	Alerter       AlerterConfig       `yaml:"alerter"`
	SMTP          SMTPConfig          `yaml:"smtp"`
}

// LoadConfig reads the configuration from a YAML file, applies environment
// overrides and defaults, and returns a validated Config.
func LoadConfig(filePath string) (*Config, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Node = getEnv("ECHOTRACE_NODE", c.Node)
	c.Dissemination.NATS.URL = getEnv("ECHOTRACE_NATS_URL", c.Dissemination.NATS.URL)
	c.Dissemination.MQTT.Broker = getEnv("ECHOTRACE_MQTT_BROKER", c.Dissemination.MQTT.Broker)
	c.Dissemination.MQTT.Password = getEnv("ECHOTRACE_MQTT_PASSWORD", c.Dissemination.MQTT.Password)
	c.SMTP.Password = getEnv("ECHOTRACE_SMTP_PASSWORD", c.SMTP.Password)
	for i := range c.Sinks {
		if c.Sinks[i].Type == "clickhouse" {
			c.Sinks[i].ClickHouse.Password = getEnv("ECHOTRACE_CLICKHOUSE_PASSWORD", c.Sinks[i].ClickHouse.Password)
			if port, err := strconv.Atoi(os.Getenv("ECHOTRACE_CLICKHOUSE_PORT")); err == nil {
				c.Sinks[i].ClickHouse.Port = port
			}
		}
	}
}

// Validate fills defaults and rejects configurations the agent cannot run.
func (c *Config) Validate() error {
	if c.Node == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.Node = host
		} else {
			c.Node = uuid.NewString()
		}
	}

	seen := make(map[string]bool, len(c.Measurements))
	for i := range c.Measurements {
		m := &c.Measurements[i]
		if m.Name == "" {
			return fmt.Errorf("measurement #%d has no name", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate measurement name '%s'", m.Name)
		}
		seen[m.Name] = true
		if err := m.Validate(); err != nil {
			return fmt.Errorf("measurement '%s': %w", m.Name, err)
		}
		if m.Source.Observer == "" {
			m.Source.Observer = c.Node
		}
	}

	if c.Dissemination.Capacity <= 0 {
		c.Dissemination.Capacity = DefaultChannelCapacity
	}
	if c.Dissemination.Transport == "" {
		c.Dissemination.Transport = "none"
	}
	if c.Dissemination.Codec == "" {
		c.Dissemination.Codec = "protobuf"
	}
	switch c.Dissemination.Transport {
	case "none":
	case "nats":
		if c.Dissemination.NATS.URL == "" {
			return fmt.Errorf("dissemination transport 'nats' requires nats.url")
		}
		if c.Dissemination.NATS.Subject == "" {
			c.Dissemination.NATS.Subject = DefaultNATSSubject
		}
	case "mqtt":
		if c.Dissemination.MQTT.Broker == "" {
			return fmt.Errorf("dissemination transport 'mqtt' requires mqtt.broker")
		}
		if c.Dissemination.MQTT.Topic == "" {
			c.Dissemination.MQTT.Topic = DefaultMQTTTopic
		}
		if c.Dissemination.MQTT.ClientID == "" {
			c.Dissemination.MQTT.ClientID = "echotrace-" + c.Node
		}
	default:
		return fmt.Errorf("unknown dissemination transport '%s'", c.Dissemination.Transport)
	}
	switch c.Dissemination.Codec {
	case "protobuf", "msgpack":
	default:
		return fmt.Errorf("unknown dissemination codec '%s'", c.Dissemination.Codec)
	}

	if c.Matcher.SweepInterval == "" {
		c.Matcher.SweepInterval = DefaultSweepInterval
	}
	if _, err := time.ParseDuration(c.Matcher.SweepInterval); err != nil {
		return fmt.Errorf("invalid matcher sweep_interval: %w", err)
	}
	if c.Matcher.NumShards == 0 {
		c.Matcher.NumShards = DefaultNumShards
	}
	c.Matcher.DefaultCorrelation.applyDefaults()
	if c.Matcher.Protocol.Type == "" {
		c.Matcher.Protocol.Type = ProtocolRaw
	}
	if c.Matcher.Source.Observer == "" {
		c.Matcher.Source.Observer = c.Node
	}
	if err := c.Matcher.Source.Validate(); err != nil {
		return fmt.Errorf("matcher: %w", err)
	}

	if c.Alerter.Enabled {
		if _, err := time.ParseDuration(c.Alerter.CheckInterval); err != nil {
			return fmt.Errorf("invalid check_interval for alerter: %w", err)
		}
	}
	return nil
}

// Validate fills defaults for a single measurement.
func (m *MeasurementConfig) Validate() error {
	if m.SignatureRules.SamplingRate == 0 {
		m.SignatureRules.SamplingRate = DefaultSamplingRate
	}

	ac := &m.SignatureRules.AudioCriteria
	if ac.VADMode == "" {
		ac.VADMode = VADEnergy
	}
	switch ac.VADMode {
	case VADEnergy, VADZeroCrossing, VADSpectral:
	case VADML:
		if ac.ModelPath == "" {
			return fmt.Errorf("vad_mode 'ml' requires model_path")
		}
	default:
		return fmt.Errorf("unknown vad_mode '%s'", ac.VADMode)
	}
	if ac.EnergyThreshold < 0 || ac.EnergyThreshold > 1 {
		return fmt.Errorf("energy_threshold %.3f outside [0, 1]", ac.EnergyThreshold)
	}
	if ac.SampleRate <= 0 {
		ac.SampleRate = DefaultSampleRate
	}
	if ac.FrequencyRange == [2]float64{} {
		ac.FrequencyRange = [2]float64{300, 3400}
	}
	if ac.FrequencyRange[0] >= ac.FrequencyRange[1] {
		return fmt.Errorf("frequency_range lower bound must be below upper bound")
	}
	if ac.SpectralRatio <= 0 {
		ac.SpectralRatio = DefaultSpectralRatio
	}

	if m.MetadataExtraction.HeaderOffset < 0 {
		return fmt.Errorf("header_offset must not be negative")
	}
	for i, p := range m.MetadataExtraction.IDPatterns {
		if p.IDType == "" {
			return fmt.Errorf("id_patterns[%d] has no id_type", i)
		}
		if p.ValueLength < 0 {
			return fmt.Errorf("id_patterns[%d] has negative value_length", i)
		}
		if err := p.Check(); err != nil {
			return fmt.Errorf("id_patterns[%d] (%s): %w", i, p.IDType, err)
		}
	}
	switch m.MetadataExtraction.Protocol.Type {
	case "":
		m.MetadataExtraction.Protocol.Type = ProtocolRaw
	case ProtocolRaw, ProtocolRTP, ProtocolJSONEnvelope:
	default:
		return fmt.Errorf("unknown protocol type '%s'", m.MetadataExtraction.Protocol.Type)
	}

	if err := m.Source.Validate(); err != nil {
		return err
	}
	m.Correlation.applyDefaults()
	return nil
}

// Validate checks that the source names what it needs to open.
func (s SourceConfig) Validate() error {
	switch s.Type {
	case "":
	case SourcePcap:
		if s.Path == "" {
			return fmt.Errorf("source type 'pcap' requires path")
		}
	case SourceLive:
		if s.Iface == "" {
			return fmt.Errorf("source type 'live' requires iface")
		}
	default:
		return fmt.Errorf("unknown source type '%s'", s.Type)
	}
	if s.BatchSize < 0 {
		return fmt.Errorf("source batch_size must not be negative")
	}
	return nil
}

func (c *CorrelationConfig) applyDefaults() {
	if c.SignatureTTLSeconds == 0 {
		c.SignatureTTLSeconds = DefaultSignatureTTLSeconds
	}
	if c.MaxActiveSignatures <= 0 {
		c.MaxActiveSignatures = DefaultMaxActiveSignatures
	}
	if c.GroupingKey == "" {
		c.GroupingKey = DefaultGroupingKey
	}
}

// EnabledMeasurements returns the measurements with enabled set.
func (c *Config) EnabledMeasurements() []MeasurementConfig {
	var out []MeasurementConfig
	for _, m := range c.Measurements {
		if m.Enabled {
			out = append(out, m)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
