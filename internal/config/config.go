// Package config is the YAML document a pipeline is built from.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/birdayz/dagstream/kcheckpoint/s3"
	"github.com/birdayz/dagstream/krecord"
)

var ErrInvalid = errors.New("invalid config")

const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StorePebble = "pebble"
	StoreSQLite = "sqlite"
	StoreS3     = "s3"
)

const (
	ConnectionKafka  = "kafka"
	ConnectionEvents = "events"
)

type Config struct {
	AppName string `yaml:"app_name" json:"app_name"`

	// HomeDir holds caches and local checkpoint stores.
	HomeDir string `yaml:"home_dir" json:"home_dir"`

	Checkpoint  Checkpoint   `yaml:"checkpoint" json:"checkpoint"`
	Engine      Engine       `yaml:"engine" json:"engine"`
	Connections []Connection `yaml:"connections" json:"connections"`
	Sources     []Source     `yaml:"sources" json:"sources"`
	Endpoints   []Endpoint   `yaml:"endpoints" json:"endpoints"`
	API         API          `yaml:"api" json:"api"`
}

type Checkpoint struct {
	Kind string `yaml:"kind" json:"kind"`

	// Path of the store for file, pebble and sqlite. Relative paths are
	// resolved against HomeDir.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	S3 s3.Config `yaml:"s3,omitempty" json:"s3,omitempty"`
}

type Engine struct {
	EpochInterval        time.Duration `yaml:"epoch_interval" json:"epoch_interval"`
	EpochRecordThreshold uint64        `yaml:"epoch_record_threshold" json:"epoch_record_threshold"`
	ChannelCapacity      int           `yaml:"channel_capacity" json:"channel_capacity"`
	ReadinessTimeout     time.Duration `yaml:"readiness_timeout" json:"readiness_timeout"`
	CheckpointRetries    uint64        `yaml:"checkpoint_retries" json:"checkpoint_retries"`
	RetainEpochs         uint64        `yaml:"retain_epochs" json:"retain_epochs"`
	ShutdownGracePeriod  time.Duration `yaml:"shutdown_grace_period" json:"shutdown_grace_period"`
	SourcePollInterval   time.Duration `yaml:"source_poll_interval" json:"source_poll_interval"`
}

type Connection struct {
	Name    string   `yaml:"name" json:"name"`
	Kind    string   `yaml:"kind" json:"kind"`
	Brokers []string `yaml:"brokers,omitempty" json:"brokers,omitempty"`
}

type Source struct {
	Name       string         `yaml:"name" json:"name"`
	Connection string         `yaml:"connection" json:"connection"`
	Topic      string         `yaml:"topic,omitempty" json:"topic,omitempty"`
	Bounded    bool           `yaml:"bounded,omitempty" json:"bounded,omitempty"`
	Schema     krecord.Schema `yaml:"schema" json:"schema"`
}

// Endpoint materializes a source into a cache, optionally filtered and
// projected.
type Endpoint struct {
	Name    string   `yaml:"name" json:"name"`
	Source  string   `yaml:"source" json:"source"`
	Where   *Where   `yaml:"where,omitempty" json:"where,omitempty"`
	Project []string `yaml:"project,omitempty" json:"project,omitempty"`
}

// Where keeps records whose field compares to Value with Op (eq or ne).
type Where struct {
	Field string `yaml:"field" json:"field"`
	Op    string `yaml:"op,omitempty" json:"op,omitempty"`
	Value any    `yaml:"value" json:"value"`
}

type API struct {
	Listen string `yaml:"listen" json:"listen"`
}

func Default() Config {
	return Config{
		AppName: "dagstream",
		HomeDir: "./.dagstream",
		Checkpoint: Checkpoint{
			Kind: StoreFile,
			Path: "checkpoints",
		},
		Engine: Engine{
			EpochInterval:       5 * time.Second,
			ChannelCapacity:     256,
			ReadinessTimeout:    30 * time.Second,
			CheckpointRetries:   5,
			RetainEpochs:        3,
			ShutdownGracePeriod: 30 * time.Second,
			SourcePollInterval:  10 * time.Millisecond,
		},
		API: API{Listen: ":8080"},
	}
}

// Load reads and validates the config at path. Unset values keep their
// defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.AppName == "" {
		return fmt.Errorf("%w: app_name is required", ErrInvalid)
	}

	switch c.Checkpoint.Kind {
	case StoreMemory:
	case StoreFile, StorePebble, StoreSQLite:
		if c.Checkpoint.Path == "" {
			return fmt.Errorf("%w: checkpoint.path is required for %s", ErrInvalid, c.Checkpoint.Kind)
		}
	case StoreS3:
		if c.Checkpoint.S3.Endpoint == "" || c.Checkpoint.S3.Bucket == "" {
			return fmt.Errorf("%w: checkpoint.s3 needs endpoint and bucket", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown checkpoint kind %q", ErrInvalid, c.Checkpoint.Kind)
	}

	if c.Engine.EpochInterval < 0 || c.Engine.ReadinessTimeout < 0 ||
		c.Engine.ShutdownGracePeriod < 0 || c.Engine.SourcePollInterval < 0 {
		return fmt.Errorf("%w: engine durations must not be negative", ErrInvalid)
	}
	if c.Engine.ChannelCapacity < 0 {
		return fmt.Errorf("%w: engine.channel_capacity must not be negative", ErrInvalid)
	}

	connections := map[string]Connection{}
	for i, conn := range c.Connections {
		if conn.Name == "" {
			return fmt.Errorf("%w: connections[%d]: name is required", ErrInvalid, i)
		}
		if _, dup := connections[conn.Name]; dup {
			return fmt.Errorf("%w: duplicate connection %q", ErrInvalid, conn.Name)
		}
		switch conn.Kind {
		case ConnectionKafka:
			if len(conn.Brokers) == 0 {
				return fmt.Errorf("%w: connection %q: brokers are required", ErrInvalid, conn.Name)
			}
		case ConnectionEvents:
		default:
			return fmt.Errorf("%w: connection %q: unknown kind %q", ErrInvalid, conn.Name, conn.Kind)
		}
		connections[conn.Name] = conn
	}

	sources := map[string]Source{}
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("%w: sources[%d]: name is required", ErrInvalid, i)
		}
		if _, dup := sources[src.Name]; dup {
			return fmt.Errorf("%w: duplicate source %q", ErrInvalid, src.Name)
		}
		conn, ok := connections[src.Connection]
		if !ok {
			return fmt.Errorf("%w: source %q: unknown connection %q", ErrInvalid, src.Name, src.Connection)
		}
		if conn.Kind == ConnectionKafka && src.Topic == "" {
			return fmt.Errorf("%w: source %q: topic is required", ErrInvalid, src.Name)
		}
		if err := src.Schema.Validate(); err != nil {
			return fmt.Errorf("%w: source %q: %w", ErrInvalid, src.Name, err)
		}
		if len(src.Schema.PrimaryIndex()) == 0 {
			return fmt.Errorf("%w: source %q: schema needs a primary key", ErrInvalid, src.Name)
		}
		sources[src.Name] = src
	}

	if len(c.Endpoints) == 0 {
		return fmt.Errorf("%w: at least one endpoint is required", ErrInvalid)
	}
	endpoints := map[string]bool{}
	for i, ep := range c.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("%w: endpoints[%d]: name is required", ErrInvalid, i)
		}
		if endpoints[ep.Name] {
			return fmt.Errorf("%w: duplicate endpoint %q", ErrInvalid, ep.Name)
		}
		endpoints[ep.Name] = true

		src, ok := sources[ep.Source]
		if !ok {
			return fmt.Errorf("%w: endpoint %q: unknown source %q", ErrInvalid, ep.Name, ep.Source)
		}
		if ep.Where != nil {
			if _, err := ep.Where.Predicate(src.Schema); err != nil {
				return fmt.Errorf("%w: endpoint %q: %w", ErrInvalid, ep.Name, err)
			}
		}
		if len(ep.Project) > 0 {
			keeps := false
			for _, name := range ep.Project {
				i, err := src.Schema.FieldIndex(name)
				if err != nil {
					return fmt.Errorf("%w: endpoint %q: project: %w", ErrInvalid, ep.Name, err)
				}
				keeps = keeps || src.Schema.Fields[i].PrimaryKey
			}
			if !keeps {
				return fmt.Errorf("%w: endpoint %q: project must keep a primary key field", ErrInvalid, ep.Name)
			}
		}
	}
	return nil
}

// Predicate compiles w against the schema of its source.
func (w Where) Predicate(schema krecord.Schema) (func(krecord.Record) bool, error) {
	i, err := schema.FieldIndex(w.Field)
	if err != nil {
		return nil, fmt.Errorf("where: %w", err)
	}
	want, err := krecord.ParseField(schema.Fields[i].Type, w.Value)
	if err != nil {
		return nil, fmt.Errorf("where: value of %q: %w", w.Field, err)
	}
	var negate bool
	switch w.Op {
	case "", "eq":
	case "ne":
		negate = true
	default:
		return nil, fmt.Errorf("where: unknown op %q", w.Op)
	}
	return func(r krecord.Record) bool {
		return r.Get(i).Equal(want) != negate
	}, nil
}

// Source returns the source named name.
func (c Config) Source(name string) (Source, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return Source{}, false
}

func (c Config) Connection(name string) (Connection, bool) {
	for _, conn := range c.Connections {
		if conn.Name == name {
			return conn, true
		}
	}
	return Connection{}, false
}
