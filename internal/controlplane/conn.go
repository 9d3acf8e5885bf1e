package controlplane

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/birdayz/dagstream/internal/pipeline"
)

type conn struct {
	wc      *websocket.Conn
	backend Backend
	log     logr.Logger

	send       chan Message
	done       chan struct{}
	writerDone chan struct{}

	mu   sync.Mutex
	subs []*pipeline.Subscription
	wg   sync.WaitGroup
}

func newConn(wc *websocket.Conn, b Backend, log logr.Logger) *conn {
	return &conn{
		wc:         wc,
		backend:    b,
		log:        log,
		send:       make(chan Message, sendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (c *conn) serve() {
	go func() {
		defer close(c.writerDone)
		c.write()
	}()

	if err := c.read(); err != nil {
		c.log.Error(err, "Control connection failed")
	}

	close(c.done)
	c.mu.Lock()
	for _, sub := range c.subs {
		sub.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
	<-c.writerDone
}

func (c *conn) read() error {
	for {
		var m Message
		if err := c.wc.ReadJSON(&m); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				websocket.IsUnexpectedCloseError(err) {
				return nil
			}
			var (
				syntax   *json.SyntaxError
				mismatch *json.UnmarshalTypeError
			)
			if errors.As(err, &syntax) || errors.As(err, &mismatch) {
				c.reply(Message{Subj: SubjError}, ErrorReply{Error: "malformed message"})
				continue
			}
			return fmt.Errorf("read control message: %w", err)
		}
		c.handle(m)
	}
}

func (c *conn) handle(m Message) {
	switch m.Subj {
	case SubjConfig:
		c.reply(m, Redact(c.backend.Config()))
	case SubjStatus:
		c.reply(m, c.backend.Status())
	case SubjRestart:
		c.backend.Restart()
		c.reply(m, struct{}{})
	case SubjSubscribe:
		var req SubscribeRequest
		if err := json.Unmarshal(m.Data, &req); err != nil || req.Endpoint == "" {
			c.reply(Message{Subj: SubjError, Tok: m.Tok}, ErrorReply{Error: "subscribe needs an endpoint"})
			return
		}
		if !c.hasEndpoint(req.Endpoint) {
			c.reply(Message{Subj: SubjError, Tok: m.Tok}, ErrorReply{Error: fmt.Sprintf("unknown endpoint %q", req.Endpoint)})
			return
		}
		c.subscribe(m.Tok, req.Endpoint)
		c.reply(m, req)
	default:
		c.reply(Message{Subj: SubjError, Tok: m.Tok}, ErrorReply{Error: fmt.Sprintf("unknown subject %q", m.Subj)})
	}
}

func (c *conn) hasEndpoint(name string) bool {
	for _, ep := range c.backend.Config().Endpoints {
		if ep.Name == name {
			return true
		}
	}
	return false
}

func (c *conn) subscribe(tok, endpoint string) {
	sub := c.backend.Hub().Subscribe(endpoint, 0)
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	c.log.V(1).Info("Subscribed", "endpoint", endpoint)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for ev := range sub.Events() {
			c.reply(Message{Subj: SubjEvent, Tok: tok}, ev)
		}
		if err := sub.Err(); err != nil {
			c.reply(Message{Subj: SubjError, Tok: tok}, ErrorReply{Error: err.Error()})
		}
	}()
}

// reply queues a message with data as body. It gives up once the
// connection is closing or the writer is gone.
func (c *conn) reply(m Message, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		c.log.Error(err, "Failed to encode reply", "subj", m.Subj)
		return
	}
	m.Data = raw
	select {
	case c.send <- m:
	case <-c.done:
	case <-c.writerDone:
	}
}

func (c *conn) write() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	defer c.wc.Close()
	for {
		select {
		case m := <-c.send:
			_ = c.wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.wc.WriteJSON(m); err != nil {
				c.log.V(1).Info("Write failed", "error", err)
				return
			}
		case <-ping.C:
			_ = c.wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.wc.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = c.wc.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
