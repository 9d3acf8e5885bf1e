// Package pipeline resolves a config document into the running pieces of
// a pipeline: connectors, the DAG, one cache per endpoint and the
// checkpoint store.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/birdayz/dagstream/internal/config"
	"github.com/birdayz/dagstream/kcheckpoint"
	"github.com/birdayz/dagstream/kcheckpoint/pebble"
	"github.com/birdayz/dagstream/kcheckpoint/s3"
	"github.com/birdayz/dagstream/kcheckpoint/sqlite"
	"github.com/birdayz/dagstream/kconnector"
	"github.com/birdayz/dagstream/kconnector/events"
	"github.com/birdayz/dagstream/kconnector/kafka"
	"github.com/birdayz/dagstream/kdag"
	"github.com/birdayz/dagstream/kprocessor"
	"github.com/birdayz/dagstream/krecord"
	"github.com/birdayz/dagstream/ksink/cache"
)

// Pipeline is a resolved config. Close releases the caches and the store.
type Pipeline struct {
	Config config.Config
	DAG    *kdag.DAG
	Store  kcheckpoint.Store

	// Caches by endpoint name.
	Caches map[string]*cache.Cache

	// Events holds the connectors of sources on an events connection, by
	// source name. Operations pushed into them flow through the pipeline.
	Events map[string]*events.Connector
}

func SourceNode(source string) kdag.NodeID { return kdag.NodeID("source." + source) }

func SinkNode(endpoint string) kdag.NodeID { return kdag.NodeID("sink." + endpoint) }

func whereNode(endpoint string) kdag.NodeID { return kdag.NodeID(endpoint + ".where") }

func projectNode(endpoint string) kdag.NodeID { return kdag.NodeID(endpoint + ".project") }

// NodeIDs lists the nodes Build creates for cfg, in build order.
func NodeIDs(cfg config.Config) []kdag.NodeID {
	var ids []kdag.NodeID
	for _, src := range cfg.Sources {
		ids = append(ids, SourceNode(src.Name))
	}
	for _, ep := range cfg.Endpoints {
		if ep.Where != nil {
			ids = append(ids, whereNode(ep.Name))
		}
		if len(ep.Project) > 0 {
			ids = append(ids, projectNode(ep.Name))
		}
		ids = append(ids, SinkNode(ep.Name))
	}
	return ids
}

// CheckpointPath is the location of a local checkpoint store. Relative
// paths are resolved against the home directory.
func CheckpointPath(cfg config.Config) string {
	if filepath.IsAbs(cfg.Checkpoint.Path) {
		return cfg.Checkpoint.Path
	}
	return filepath.Join(cfg.HomeDir, cfg.Checkpoint.Path)
}

// OpenStore opens the checkpoint store cfg.Checkpoint describes.
func OpenStore(ctx context.Context, cfg config.Config, log logr.Logger) (kcheckpoint.Store, error) {
	var (
		store kcheckpoint.Store
		err   error
	)
	path := CheckpointPath(cfg)
	switch cfg.Checkpoint.Kind {
	case config.StoreMemory:
		store = kcheckpoint.NewMemoryStore()
	case config.StoreFile:
		store, err = openStore(kcheckpoint.OpenFileStore(path))
	case config.StorePebble:
		store, err = openStore(pebble.Open(path, pebble.WithLogger(log.WithName("pebble"))))
	case config.StoreSQLite:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create checkpoint directory: %w", err)
		}
		store, err = openStore(sqlite.Open(path))
	case config.StoreS3:
		store, err = openStore(s3.Open(ctx, cfg.Checkpoint.S3))
	default:
		err = fmt.Errorf("%w: unknown checkpoint kind %q", config.ErrInvalid, cfg.Checkpoint.Kind)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}

// openStore keeps a failed open from leaking a typed nil into the interface.
func openStore[S kcheckpoint.Store](s S, err error) (kcheckpoint.Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Build resolves cfg. Every cache publishes its events to pub, which may
// be nil. On error everything opened so far is closed again.
func Build(ctx context.Context, cfg config.Config, log logr.Logger, pub cache.Publisher) (_ *Pipeline, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		Config: cfg,
		Caches: make(map[string]*cache.Cache, len(cfg.Endpoints)),
		Events: map[string]*events.Connector{},
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, p.Close())
		}
	}()

	b := kdag.NewBuilder()

	for _, src := range cfg.Sources {
		conn, err := connector(cfg, src, log)
		if err != nil {
			return nil, err
		}
		if ev, ok := conn.(*events.Connector); ok {
			p.Events[src.Name] = ev
		}
		port := kdag.Port{ID: krecord.DefaultPort, Schema: src.Schema}
		if err := b.AddSource(SourceNode(src.Name), conn, port); err != nil {
			return nil, err
		}
	}

	nextSchema := maxSchemaID(cfg.Sources) + 1
	for _, ep := range cfg.Endpoints {
		src, _ := cfg.Source(ep.Source)
		from := kdag.At(SourceNode(src.Name), krecord.DefaultPort)
		schema := src.Schema

		if ep.Where != nil {
			predicate, err := ep.Where.Predicate(schema)
			if err != nil {
				return nil, err
			}
			id := whereNode(ep.Name)
			port := []kdag.Port{{ID: krecord.DefaultPort, Schema: schema}}
			if err := b.AddProcessor(id, kprocessor.Filter(predicate), port, port); err != nil {
				return nil, err
			}
			if err := b.Connect(from, kdag.At(id, krecord.DefaultPort)); err != nil {
				return nil, err
			}
			from = kdag.At(id, krecord.DefaultPort)
		}

		if len(ep.Project) > 0 {
			fields := make([]int, len(ep.Project))
			for i, name := range ep.Project {
				fields[i], _ = schema.FieldIndex(name)
			}
			projected, err := kprocessor.ProjectSchema(schema, krecord.SchemaID{ID: nextSchema, Version: 1}, fields)
			if err != nil {
				return nil, err
			}
			nextSchema++

			id := projectNode(ep.Name)
			in := []kdag.Port{{ID: krecord.DefaultPort, Schema: schema}}
			out := []kdag.Port{{ID: krecord.DefaultPort, Schema: projected}}
			if err := b.AddProcessor(id, kprocessor.Project(projected.ID, fields), in, out); err != nil {
				return nil, err
			}
			if err := b.Connect(from, kdag.At(id, krecord.DefaultPort)); err != nil {
				return nil, err
			}
			from = kdag.At(id, krecord.DefaultPort)
			schema = projected
		}

		opts := []cache.Option{cache.WithLogger(log.WithName("cache").WithValues("endpoint", ep.Name))}
		if pub != nil {
			opts = append(opts, cache.WithPublisher(pub))
		}
		c, err := cache.Open(filepath.Join(cfg.HomeDir, "cache", ep.Name), ep.Name, schema, opts...)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", ep.Name, err)
		}
		p.Caches[ep.Name] = c

		if err := b.AddSink(SinkNode(ep.Name), c, kdag.Port{ID: krecord.DefaultPort, Schema: schema}); err != nil {
			return nil, err
		}
		if err := b.Connect(from, kdag.At(SinkNode(ep.Name), krecord.DefaultPort)); err != nil {
			return nil, err
		}
	}

	p.DAG, err = b.Build()
	if err != nil {
		return nil, err
	}

	p.Store, err = OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func connector(cfg config.Config, src config.Source, log logr.Logger) (kconnector.Connector, error) {
	conn, _ := cfg.Connection(src.Connection)
	switch conn.Kind {
	case config.ConnectionEvents:
		return events.New(), nil
	case config.ConnectionKafka:
		opts := []kafka.Option{kafka.WithLogger(log.WithName("kafka").WithValues("source", src.Name))}
		if src.Bounded {
			opts = append(opts, kafka.WithBounded())
		}
		c, err := kafka.New(conn.Brokers, []kafka.Topic{{
			Name:   src.Topic,
			Port:   krecord.DefaultPort,
			Schema: src.Schema,
		}}, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("%w: connection %q: unknown kind %q", config.ErrInvalid, conn.Name, conn.Kind)
}

func maxSchemaID(sources []config.Source) uint32 {
	var id uint32
	for _, s := range sources {
		id = max(id, s.Schema.ID.ID)
	}
	return id
}

func (p *Pipeline) Close() error {
	var err error
	for _, c := range p.Caches {
		err = multierr.Append(err, c.Close())
	}
	if p.Store != nil {
		err = multierr.Append(err, p.Store.Close())
	}
	return err
}
