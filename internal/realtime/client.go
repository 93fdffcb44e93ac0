package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait         = 10 * time.Second
	heartbeatInterval = 25 * time.Second
	joinTimeout       = 10 * time.Second
	topicBufSize      = 256
)

// StateFunc is notified when the socket connects or drops. The client
// does not reconnect on its own; the owner redials and uses the signal
// to trigger a compensating full reload.
type StateFunc func(connected bool)

// Client is a websocket realtime client speaking topic-scoped channels:
// join/leave with acknowledged refs, server heartbeats, row-change and
// broadcast frames fanned out per topic in arrival order.
type Client struct {
	url     string
	apiKey  string
	logger  *zap.Logger
	newRef  func() string
	onState StateFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	topics  map[string]chan Event
	replies map[string]chan error
	done    chan struct{}
	closed  bool
}

// NewClient creates a realtime client for the given websocket URL.
func NewClient(url, apiKey string, onState StateFunc, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:     url,
		apiKey:  apiKey,
		logger:  logger,
		newRef:  uuid.NewString,
		onState: onState,
		topics:  make(map[string]chan Event),
		replies: make(map[string]chan error),
	}
}

// Dial connects the socket and starts the read and heartbeat loops.
// Redialing an already-connected client retires the previous socket
// first: its pumps are stopped before the new connection is installed,
// and their exit does not count as a disconnect.
func (c *Client) Dial(ctx context.Context) error {
	c.mu.Lock()
	prev := c.conn
	prevDone := c.done
	c.conn = nil
	c.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	if prevDone != nil {
		<-prevDone
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url+"?apikey="+c.apiKey, nil)
	if err != nil {
		return fmt.Errorf("dial realtime: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.closed = false
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	go c.readPump(conn, done)
	go c.heartbeatLoop(done)

	if c.onState != nil {
		c.onState(true)
	}
	return nil
}

// Join subscribes to a topic and returns its event channel. Events for
// the topic are delivered in arrival order until Leave.
func (c *Client) Join(ctx context.Context, topic string) (<-chan Event, error) {
	ref := c.newRef()
	ack := make(chan error, 1)

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("join %s: not connected", topic)
	}
	if _, ok := c.topics[topic]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("join %s: already joined", topic)
	}
	ch := make(chan Event, topicBufSize)
	c.topics[topic] = ch
	c.replies[ref] = ack
	c.mu.Unlock()

	if err := c.writeFrame(frame{Topic: topic, Event: evtJoin, Ref: ref}); err != nil {
		c.dropTopic(topic, ref)
		return nil, fmt.Errorf("join %s: %w", topic, err)
	}

	select {
	case err := <-ack:
		if err != nil {
			c.dropTopic(topic, ref)
			return nil, fmt.Errorf("join %s: %w", topic, err)
		}
		return ch, nil
	case <-time.After(joinTimeout):
		c.dropTopic(topic, ref)
		return nil, fmt.Errorf("join %s: ack timeout", topic)
	case <-ctx.Done():
		c.dropTopic(topic, ref)
		return nil, ctx.Err()
	}
}

// Leave unsubscribes from a topic and closes its event channel. Safe to
// call twice; no events are delivered after Leave returns.
func (c *Client) Leave(topic string) error {
	c.mu.Lock()
	ch, ok := c.topics[topic]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.topics, topic)
	close(ch)
	connected := c.conn != nil && !c.closed
	c.mu.Unlock()

	if connected {
		// Best-effort: the subscription is already detached locally.
		if err := c.writeFrame(frame{Topic: topic, Event: evtLeave, Ref: c.newRef()}); err != nil {
			c.logger.Debug("leave frame failed", zap.String("topic", topic), zap.Error(err))
		}
	}
	return nil
}

// Broadcast publishes an ephemeral event to a topic.
func (c *Client) Broadcast(ctx context.Context, topic, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broadcast %s: %w", topic, err)
	}
	body, err := json.Marshal(broadcastPayload{Event: event, Payload: raw})
	if err != nil {
		return fmt.Errorf("broadcast %s: %w", topic, err)
	}
	return c.writeFrame(frame{Topic: topic, Event: evtBroadcast, Payload: body, Ref: c.newRef()})
}

// Close tears down the connection and every joined topic.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	topics := c.topics
	c.topics = make(map[string]chan Event)
	c.mu.Unlock()

	for _, ch := range topics {
		close(ch)
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			// A pump whose socket was replaced by a redial, or closed
			// by Close, exits quietly.
			c.mu.Lock()
			stale := c.closed || c.conn != conn
			c.mu.Unlock()
			if !stale {
				c.logger.Warn("realtime connection lost", zap.Error(err))
				if c.onState != nil {
					c.onState(false)
				}
			}
			return
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f frame) {
	switch f.Event {
	case evtReply:
		var rp replyPayload
		_ = json.Unmarshal(f.Payload, &rp)
		c.mu.Lock()
		ack, ok := c.replies[f.Ref]
		delete(c.replies, f.Ref)
		c.mu.Unlock()
		if ok {
			if rp.Status != "" && rp.Status != "ok" {
				ack <- fmt.Errorf("server replied %q", rp.Status)
			} else {
				ack <- nil
			}
		}
	case evtChanges:
		var cp changesPayload
		if err := json.Unmarshal(f.Payload, &cp); err != nil {
			c.logger.Debug("malformed changes payload", zap.String("topic", f.Topic), zap.Error(err))
			return
		}
		c.deliver(Event{Topic: f.Topic, Change: cp.Type, Record: cp.Record, Old: cp.OldRecord})
	case evtBroadcast:
		var bp broadcastPayload
		if err := json.Unmarshal(f.Payload, &bp); err != nil {
			c.logger.Debug("malformed broadcast payload", zap.String("topic", f.Topic), zap.Error(err))
			return
		}
		c.deliver(Event{Topic: f.Topic, Name: bp.Event, Payload: bp.Payload})
	}
}

func (c *Client) deliver(evt Event) {
	// Send under the lock so Leave cannot close the channel mid-send.
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.topics[evt.Topic]
	if !ok {
		return
	}
	select {
	case ch <- evt:
	default:
		c.logger.Warn("dropping realtime event, subscriber full", zap.String("topic", evt.Topic))
	}
}

func (c *Client) heartbeatLoop(done chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.writeFrame(frame{Topic: "phoenix", Event: evtHeartbeat, Ref: c.newRef()}); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (c *Client) writeFrame(f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.closed {
		return fmt.Errorf("not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

func (c *Client) dropTopic(topic, ref string) {
	c.mu.Lock()
	if ch, ok := c.topics[topic]; ok {
		delete(c.topics, topic)
		close(ch)
	}
	delete(c.replies, ref)
	c.mu.Unlock()
}
