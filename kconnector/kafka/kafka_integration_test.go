//go:build integration

package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/birdayz/dagstream/internal/testinfra"
	"github.com/birdayz/dagstream/kconnector"
	"github.com/birdayz/dagstream/krecord"
)

func produce(t *testing.T, brokers []string, topic string, values ...string) {
	t.Helper()
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...), kgo.DefaultProduceTopic(topic))
	assert.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var records []*kgo.Record
	for _, v := range values {
		records = append(records, &kgo.Record{Value: []byte(v)})
	}
	assert.NoError(t, client.ProduceSync(ctx, records...).FirstErr())
}

func readAll(t *testing.T, s kconnector.Stream) []kconnector.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var events []kconnector.Event
	for {
		ev, err := s.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			return events
		case errors.Is(err, kconnector.ErrNoData):
			continue
		}
		assert.NoError(t, err)
		events = append(events, ev)
	}
}

func TestConnectorResume(t *testing.T) {
	brokers := testinfra.Redpanda(t, "latest")
	topic := fmt.Sprintf("users-%s", uuid.NewString())

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	assert.NoError(t, err)
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = kadm.NewClient(client).CreateTopics(ctx, 1, 1, nil, topic)
	assert.NoError(t, err)

	produce(t, brokers, topic,
		`{"op":"c","after":{"id":1,"name":"alice"}}`,
		`{"op":"c","after":{"id":2,"name":"bob"}}`,
	)

	c, err := New(brokers, []Topic{{Name: topic, Port: 3, Schema: users}}, WithBounded())
	assert.NoError(t, err)

	s, err := c.Start(context.Background(), nil)
	assert.NoError(t, err)
	events := readAll(t, s)
	assert.NoError(t, s.Close())

	assert.Equal(t, 2, len(events))
	assert.Equal(t, krecord.PortID(3), events[0].Port)
	assert.True(t, krecord.Insert(user(1, "alice")).Equal(events[0].Op))

	produce(t, brokers, topic, `{"op":"d","before":{"id":1,"name":"alice"}}`)

	// Resume after the first event: bob is read again, then the delete.
	s, err = c.Start(context.Background(), events[0].Offset)
	assert.NoError(t, err)
	resumed := readAll(t, s)
	assert.NoError(t, s.Close())

	assert.Equal(t, 2, len(resumed))
	assert.True(t, krecord.Insert(user(2, "bob")).Equal(resumed[0].Op))
	assert.True(t, krecord.Delete(user(1, "alice")).Equal(resumed[1].Op))
}
