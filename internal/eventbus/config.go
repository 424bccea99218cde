package eventbus

// StreamConfig holds the per-topic configuration named in the data model:
// approximate trim bound, messages/sec rate limit, and the retry ceiling
// before an event is dead-lettered.
type StreamConfig struct {
	Name       string `yaml:"name"`
	MaxLen     int64  `yaml:"maxlen"`
	RateLimit  int    `yaml:"rate_limit"`
	RetryLimit int    `yaml:"retry_limit"`
}

// PriorityWeights has the shape of a {high, medium, low} weighting, but
// Config has no field of this type and nothing reads it: the stable
// priority sort always uses the fixed weights in event.go (high 3,
// medium 2, low 1).
type PriorityWeights struct {
	High   int `yaml:"high"`
	Medium int `yaml:"medium"`
	Low    int `yaml:"low"`
}

// Config configures one Bus instance.
type Config struct {
	ConsumerGroup     string         `yaml:"consumer_group"`
	BatchSize         int64          `yaml:"batch_size"`
	BlockTimeoutMS    int            `yaml:"block_timeout_ms"`
	MaxGlobalRate     int            `yaml:"max_global_rate"`
	DeadLetterStream  string         `yaml:"dead_letter_stream"`
	Streams           []StreamConfig `yaml:"streams"`
}

// DefaultConfig returns sane defaults matching §6.6, before any YAML
// overrides are applied.
func DefaultConfig() Config {
	return Config{
		ConsumerGroup:    "titan-core",
		BatchSize:        10,
		BlockTimeoutMS:   5000,
		MaxGlobalRate:    1000,
		DeadLetterStream: "errors.dlq",
		Streams: []StreamConfig{
			{Name: "system.v1", MaxLen: 10000, RateLimit: 100, RetryLimit: 3},
			{Name: "chat.v1", MaxLen: 10000, RateLimit: 100, RetryLimit: 3},
			{Name: "fs.v1", MaxLen: 10000, RateLimit: 100, RetryLimit: 3},
			{Name: "memory.v1", MaxLen: 10000, RateLimit: 100, RetryLimit: 3},
			{Name: "plugin.v1", MaxLen: 10000, RateLimit: 200, RetryLimit: 3},
		},
	}
}

// StreamConfigFor looks up the configuration for a topic, returning false
// if the topic is not configured.
func (c Config) StreamConfigFor(topic string) (StreamConfig, bool) {
	for _, s := range c.Streams {
		if s.Name == topic {
			return s, true
		}
	}
	return StreamConfig{}, false
}
