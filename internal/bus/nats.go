package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonathonfletcher/poq/internal/telemetry"
	"github.com/nats-io/nats.go"
)

// NATSClient is the production Client, backed by github.com/nats-io/nats.go.
// It implements exactly the resubscribe-on-reconnect contract described in
// the MessageBus design: connection loss never drops a service's
// subscriptions, it only drops messages published while disconnected.
type NATSClient struct {
	url       string
	name      string
	telemetry telemetry.Handle

	mu    sync.Mutex
	conn  *nats.Conn
	state State
	nsubs map[string]*nats.Subscription

	bindings *bindings
}

// Config configures a NATSClient.
type Config struct {
	// URL is the NATS_ENDPOINT value, e.g. "nats://127.0.0.1:4222".
	URL string
	// Name identifies this connection to the server (shows up in
	// monitoring); typically the service name, e.g. "session-service".
	Name string
}

// NewNATSClient builds a client that is not yet connected; call Start.
func NewNATSClient(cfg Config, handle telemetry.Handle) *NATSClient {
	return &NATSClient{
		url:       cfg.URL,
		name:      cfg.Name,
		telemetry: handle,
		state:     StateInit,
		nsubs:     make(map[string]*nats.Subscription),
		bindings:  newBindings(),
	}
}

func (c *NATSClient) logger() *slog.Logger {
	if c.telemetry.Logger != nil {
		return c.telemetry.Logger
	}
	return slog.Default()
}

func (c *NATSClient) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State implements Client.
func (c *NATSClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start implements Client.
func (c *NATSClient) Start(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name(c.name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subj := ""
			if sub != nil {
				subj = sub.Subject
			}
			c.logger().Error("bus error", "subject", subj, "error", err)
		}),
		nats.DisconnectErrHandler(func(*nats.Conn, error) {
			c.setState(StateDisconnected)
			c.logger().Warn("bus disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger().Warn("bus reconnected", "url", nc.ConnectedUrl())
			if err := c.resubscribe(); err != nil {
				c.logger().Error("bus resubscribe after reconnect failed", "error", err)
			}
			c.setState(StateConnected)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.setState(StateClosed)
			c.logger().Warn("bus closed")
		}),
	}

	conn, err := nats.Connect(c.url, opts...)
	if err != nil {
		return fmt.Errorf("bus: connect to %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateConnected)

	return c.resubscribe()
}

// Stop implements Client.
func (c *NATSClient) Stop(_ context.Context) error {
	for subject := range c.bindings.snapshot() {
		c.unbind(subject)
	}
	c.bindings.clear()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			c.logger().Error("bus drain on stop failed", "error", err)
		}
		conn.Close()
	}
	c.setState(StateClosed)
	return nil
}

// Run implements Client.
func (c *NATSClient) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return c.Stop(context.Background())
}

// Subscribe implements Client.
func (c *NATSClient) Subscribe(subject string, queued bool, handler Handler) (bool, error) {
	if !c.bindings.add(subject, queued, handler) {
		return false, nil
	}
	if c.State() == StateConnected {
		if err := c.bind(subject, queued, handler); err != nil {
			c.bindings.remove(subject)
			return false, err
		}
	}
	return true, nil
}

// Unsubscribe implements Client.
func (c *NATSClient) Unsubscribe(subject string) (bool, error) {
	if !c.bindings.remove(subject) {
		return false, nil
	}
	c.unbind(subject)
	return true, nil
}

// Publish implements Client.
func (c *NATSClient) Publish(ctx context.Context, subject string, payload []byte, reply bool, headers map[string]string, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != StateConnected || conn == nil {
		// Publishes while disconnected are dropped; callers must tolerate this.
		return nil, nil
	}

	msg := &nats.Msg{Subject: subject, Data: payload}
	if len(headers) > 0 {
		msg.Header = nats.Header{}
		for k, v := range headers {
			msg.Header.Set(k, v)
		}
	}

	if !reply {
		if err := conn.PublishMsg(msg); err != nil {
			c.logger().Error("bus publish failed", "subject", subject, "error", err)
			return nil, nil
		}
		return nil, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, effectiveTimeout(timeout))
	defer cancel()

	resp, err := conn.RequestMsgWithContext(reqCtx, msg)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			c.logger().Warn("bus request timed out", "subject", subject)
			return nil, ErrTimeout
		}
		if errors.Is(err, nats.ErrNoResponders) {
			c.logger().Warn("bus request had no responders", "subject", subject)
			return nil, ErrNoResponders
		}
		c.logger().Error("bus request failed", "subject", subject, "error", err)
		return nil, err
	}
	return resp.Data, nil
}

// resubscribe replays the full recorded subscription set, preserving
// queued/fan-out flavour, exactly as the reconnect contract requires.
func (c *NATSClient) resubscribe() error {
	for subject, sub := range c.bindings.snapshot() {
		c.unbind(subject)
		if err := c.bind(subject, sub.queued, sub.handler); err != nil {
			return fmt.Errorf("resubscribe %s: %w", subject, err)
		}
	}
	return nil
}

func (c *NATSClient) bind(subject string, queued bool, handler Handler) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	safe := wrapHandlerPanic(subject, handler, func(subj string, r any) {
		c.logger().Error("bus handler panic recovered", "subject", subj, "panic", r)
	})

	cb := func(msg *nats.Msg) {
		ctx := context.Background()
		reply, err := safe(ctx, msg.Subject, msg.Data)
		if err != nil {
			// Malformed payload / handler error: log and drop, never reply.
			c.logger().Error("bus handler error", "subject", msg.Subject, "error", err)
			return
		}
		if msg.Reply != "" {
			if err := msg.Respond(reply); err != nil {
				c.logger().Error("bus respond failed", "subject", msg.Subject, "error", err)
			}
		}
	}

	var nsub *nats.Subscription
	var err error
	if queued {
		nsub, err = conn.QueueSubscribe(subject, subject, cb)
	} else {
		nsub, err = conn.Subscribe(subject, cb)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.nsubs[subject] = nsub
	c.mu.Unlock()
	return nil
}

func (c *NATSClient) unbind(subject string) {
	c.mu.Lock()
	nsub := c.nsubs[subject]
	delete(c.nsubs, subject)
	c.mu.Unlock()

	if nsub != nil {
		if err := nsub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			c.logger().Warn("bus unsubscribe failed", "subject", subject, "error", err)
		}
	}
}

var _ Client = (*NATSClient)(nil)
