package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/birdayz/dagstream/krecord"
)

const valid = `
app_name: orders
home_dir: /var/lib/orders
checkpoint:
  kind: pebble
  path: checkpoints
engine:
  epoch_interval: 2s
  retain_epochs: 5
connections:
  - name: redpanda
    kind: kafka
    brokers: [localhost:9092]
sources:
  - name: orders
    connection: redpanda
    topic: cdc.orders
    schema:
      identifier: {id: 1, version: 1}
      fields:
        - {name: id, type: int, primary_key: true}
        - {name: status, type: string}
        - {name: amount, type: int}
endpoints:
  - name: open_orders
    source: orders
    where: {field: status, value: open}
    project: [id, amount]
  - name: all_orders
    source: orders
api:
  listen: 127.0.0.1:9000
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(valid))
	assert.NoError(t, err)

	assert.Equal(t, "orders", cfg.AppName)
	assert.Equal(t, StorePebble, cfg.Checkpoint.Kind)
	assert.Equal(t, 2*time.Second, cfg.Engine.EpochInterval)
	assert.Equal(t, uint64(5), cfg.Engine.RetainEpochs)
	// Unset values keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Engine.ReadinessTimeout)
	assert.Equal(t, uint64(5), cfg.Engine.CheckpointRetries)

	src, ok := cfg.Source("orders")
	assert.True(t, ok)
	assert.Equal(t, krecord.SchemaID{ID: 1, Version: 1}, src.Schema.ID)
	assert.Equal(t, krecord.FieldTypeString, src.Schema.Fields[1].Type)
	assert.Equal(t, []int{0}, src.Schema.PrimaryIndex())

	conn, ok := cfg.Connection("redpanda")
	assert.True(t, ok)
	assert.Equal(t, []string{"localhost:9092"}, conn.Brokers)

	assert.Equal(t, 2, len(cfg.Endpoints))
	assert.Equal(t, []string{"id", "amount"}, cfg.Endpoints[0].Project)
	assert.Equal(t, "127.0.0.1:9000", cfg.API.Listen)
}

func TestParseUnknownField(t *testing.T) {
	_, err := Parse([]byte("app_name: x\nbogus: 1\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dagstream.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(valid), 0o600))

	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, "orders", cfg.AppName)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg, err := Parse([]byte(valid))
		assert.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no app name", func(c *Config) { c.AppName = "" }},
		{"unknown store", func(c *Config) { c.Checkpoint.Kind = "tape" }},
		{"store without path", func(c *Config) { c.Checkpoint.Path = "" }},
		{"s3 without bucket", func(c *Config) { c.Checkpoint.Kind = StoreS3 }},
		{"negative interval", func(c *Config) { c.Engine.EpochInterval = -time.Second }},
		{"kafka without brokers", func(c *Config) { c.Connections[0].Brokers = nil }},
		{"unknown connection kind", func(c *Config) { c.Connections[0].Kind = "carrier-pigeon" }},
		{"unknown connection", func(c *Config) { c.Sources[0].Connection = "nope" }},
		{"duplicate source", func(c *Config) { c.Sources = append(c.Sources, c.Sources[0]) }},
		{"source without topic", func(c *Config) { c.Sources[0].Topic = "" }},
		{"schema without key", func(c *Config) { c.Sources[0].Schema.Fields[0].PrimaryKey = false }},
		{"no endpoints", func(c *Config) { c.Endpoints = nil }},
		{"duplicate endpoint", func(c *Config) { c.Endpoints[1].Name = c.Endpoints[0].Name }},
		{"unknown source", func(c *Config) { c.Endpoints[0].Source = "nope" }},
		{"where unknown field", func(c *Config) { c.Endpoints[0].Where.Field = "nope" }},
		{"where bad value", func(c *Config) { c.Endpoints[0].Where = &Where{Field: "amount", Value: "many"} }},
		{"where bad op", func(c *Config) { c.Endpoints[0].Where.Op = "gt" }},
		{"project unknown field", func(c *Config) { c.Endpoints[0].Project = []string{"nope"} }},
		{"project drops key", func(c *Config) { c.Endpoints[0].Project = []string{"amount"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			assert.IsError(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestWherePredicate(t *testing.T) {
	cfg, err := Parse([]byte(valid))
	assert.NoError(t, err)
	src, _ := cfg.Source("orders")

	row := func(status string) krecord.Record {
		return krecord.NewRecord(src.Schema.ID, krecord.Int(1), krecord.String(status), krecord.Int(10))
	}

	open, err := Where{Field: "status", Value: "open"}.Predicate(src.Schema)
	assert.NoError(t, err)
	assert.True(t, open(row("open")))
	assert.False(t, open(row("closed")))

	notOpen, err := Where{Field: "status", Op: "ne", Value: "open"}.Predicate(src.Schema)
	assert.NoError(t, err)
	assert.False(t, notOpen(row("open")))

	big, err := Where{Field: "amount", Value: 10}.Predicate(src.Schema)
	assert.NoError(t, err)
	assert.True(t, big(row("open")))
}
