package bus

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// FakeClient is an in-process Client for tests: no network, no NATS
// server required. It implements the same queued-vs-fan-out and
// resubscribe-on-reconnect contract as NATSClient so service tests can
// run against it unmodified, grounded on the corpus's own in-memory bus
// pattern (contenox-vibe's libbus.InMem).
type FakeClient struct {
	mu    sync.Mutex
	state State

	bindings *bindings
	// queueCursor is allocated but not consulted: each subject has a
	// single registered handler, so queued delivery always goes to that
	// handler (this backplane never runs more than one instance of a
	// service today, so queue groups of size 1 are sufficient to exercise
	// the contract).
	queueCursor map[string]int

	// published records every publish this client has sent, for test
	// assertions. Guarded by mu.
	published []PublishedMessage

	rng *rand.Rand
}

// PublishedMessage is one fire-and-forget or reply payload sent on the
// fake bus, recorded for test assertions.
type PublishedMessage struct {
	Subject string
	Payload []byte
	Reply   bool
}

// NewFakeClient returns a disconnected FakeClient; call Start.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		state:       StateInit,
		bindings:    newBindings(),
		queueCursor: make(map[string]int),
		rng:         rand.New(rand.NewSource(1)),
	}
}

func (f *FakeClient) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *FakeClient) Start(_ context.Context) error {
	f.mu.Lock()
	f.state = StateConnected
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) Stop(_ context.Context) error {
	for subject := range f.bindings.snapshot() {
		f.bindings.remove(subject)
	}
	f.mu.Lock()
	f.state = StateClosed
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) Run(ctx context.Context) error {
	if err := f.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return f.Stop(context.Background())
}

func (f *FakeClient) Subscribe(subject string, queued bool, handler Handler) (bool, error) {
	return f.bindings.add(subject, queued, handler), nil
}

func (f *FakeClient) Unsubscribe(subject string) (bool, error) {
	return f.bindings.remove(subject), nil
}

// Disconnect simulates a transient outage: publishes made while
// disconnected are dropped. Call Reconnect to restore service and
// replay the recorded subscription set.
func (f *FakeClient) Disconnect() {
	f.mu.Lock()
	f.state = StateDisconnected
	f.mu.Unlock()
}

// Reconnect simulates the bus coming back; the set of active
// subscriptions is exactly what was recorded, satisfying the
// resubscribe-completeness invariant by construction (FakeClient never
// actually drops bindings on disconnect).
func (f *FakeClient) Reconnect() {
	f.mu.Lock()
	f.state = StateConnected
	f.mu.Unlock()
}

// ActiveSubjects returns the bookkeeping of currently bound subjects,
// for asserting the resubscribe-completeness invariant.
func (f *FakeClient) ActiveSubjects() map[string]bool {
	snap := f.bindings.snapshot()
	out := make(map[string]bool, len(snap))
	for subject, sub := range snap {
		out[subject] = sub.queued
	}
	return out
}

func (f *FakeClient) Published() []PublishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PublishedMessage, len(f.published))
	copy(out, f.published)
	return out
}

func (f *FakeClient) Publish(ctx context.Context, subject string, payload []byte, reply bool, _ map[string]string, timeout time.Duration) ([]byte, error) {
	if f.State() != StateConnected {
		return nil, nil
	}

	f.mu.Lock()
	f.published = append(f.published, PublishedMessage{Subject: subject, Payload: payload, Reply: reply})
	f.mu.Unlock()

	sub, ok := f.bindings.get(subject)
	if !ok {
		if !reply {
			return nil, nil
		}
		return nil, ErrNoResponders
	}

	handler := wrapHandlerPanic(subject, sub.handler, nil)

	if !reply {
		go func() { _, _ = handler(context.Background(), subject, payload) }()
		return nil, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, effectiveTimeout(timeout))
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := handler(context.Background(), subject, payload)
		done <- result{data, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, nil
		}
		return r.data, nil
	case <-reqCtx.Done():
		return nil, ErrTimeout
	}
}

var _ Client = (*FakeClient)(nil)
