// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// OverflowPolicy decides what happens when a client's buffer is full.
type OverflowPolicy int

const (
	// OverflowDropOldest discards the client's oldest pending event.
	OverflowDropOldest OverflowPolicy = iota
	// OverflowDisconnect removes the client.
	OverflowDisconnect
)

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowDropOldest:
		return "drop-oldest"
	case OverflowDisconnect:
		return "disconnect"
	}
	return "unknown"
}

// ParseOverflowPolicy converts a configuration string into a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "drop-oldest":
		return OverflowDropOldest, nil
	case "disconnect":
		return OverflowDisconnect, nil
	}
	return 0, fmt.Errorf("unknown overflow policy %q", s)
}

// Config holds broadcaster settings.
type Config struct {
	ClientBuffer  int            // Pending events held per client
	Overflow      OverflowPolicy // What to do when a client buffer is full
	SendTimeout   time.Duration  // Upper bound for one handle Send
	PublishBuffer int            // Events queued ahead of the dispatch loop
}

// DefaultConfig returns the broadcaster defaults.
func DefaultConfig() *Config {
	return &Config{
		ClientBuffer:  64,
		Overflow:      OverflowDropOldest,
		SendTimeout:   5 * time.Second,
		PublishBuffer: 1024,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ClientBuffer < 1 {
		return errors.New("client buffer must be at least 1")
	}
	if c.SendTimeout <= 0 {
		return errors.New("send timeout must be positive")
	}
	if c.PublishBuffer < 1 {
		return errors.New("publish buffer must be at least 1")
	}
	return nil
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithLogger sets a custom logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broadcaster) {
		if logger != nil {
			b.logger = logger
		}
	}
}

type removal struct {
	id     string
	client *client // nil removes whatever client holds id
}

// Broadcaster is the client registry plus its dispatch loop.
type Broadcaster struct {
	cfg    Config
	logger *slog.Logger

	register   chan *client
	unregister chan removal
	publish    chan Event

	clients map[string]*client // owned by Run
	count   atomic.Int64
	dropped atomic.Int64

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	running   atomic.Bool
	wg        sync.WaitGroup
}

var _ Publisher = (*Broadcaster)(nil)

// NewBroadcaster creates a broadcaster. It delivers nothing until Run is called.
func NewBroadcaster(cfg *Config, opts ...Option) (*Broadcaster, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Broadcaster{
		cfg:        *cfg,
		logger:     slog.Default(),
		register:   make(chan *client),
		unregister: make(chan removal),
		publish:    make(chan Event, cfg.PublishBuffer),
		clients:    make(map[string]*client),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "broadcaster")
	return b, nil
}

// Run is the dispatch loop. It returns when ctx is cancelled or Close is
// called, after disconnecting every client.
func (b *Broadcaster) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return errors.New("broadcaster already running")
	}
	defer close(b.stopped)
	defer b.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return nil
		case c := <-b.register:
			b.add(c)
		case r := <-b.unregister:
			b.remove(r)
		case event := <-b.publish:
			b.dispatch(event)
		}
	}
}

func (b *Broadcaster) add(c *client) {
	if old, ok := b.clients[c.id]; ok {
		old.close()
	}
	b.clients[c.id] = c
	b.count.Store(int64(len(b.clients)))
	c.enqueue(NewEvent(EventConnected, map[string]string{"clientId": c.id}))

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		c.send(b.cfg.SendTimeout, func(err error) {
			b.logger.Debug("client send failed", "client", c.id, "error", err)
			b.removeClient(c.id, c)
		})
	}()
	go func() {
		defer b.wg.Done()
		select {
		case <-c.handle.Done():
			b.removeClient(c.id, c)
		case <-c.quit:
		}
	}()
	b.logger.Debug("client registered", "client", c.id, "clients", len(b.clients))
}

func (b *Broadcaster) remove(r removal) {
	c, ok := b.clients[r.id]
	if !ok || (r.client != nil && r.client != c) {
		return
	}
	delete(b.clients, r.id)
	b.count.Store(int64(len(b.clients)))
	c.close()
	b.logger.Debug("client removed", "client", r.id, "clients", len(b.clients), "dropped", c.droppedCount())
}

func (b *Broadcaster) dispatch(event Event) {
	for id, c := range b.clients {
		if !c.enqueue(event) {
			b.logger.Warn("client buffer overflow, disconnecting", "client", id)
			b.remove(removal{id: id, client: c})
		}
	}
}

func (b *Broadcaster) shutdown() {
	b.closeOnce.Do(func() { close(b.done) })
	for id, c := range b.clients {
		c.close()
		delete(b.clients, id)
	}
	b.count.Store(0)
}

// AddClient registers handle under id and queues a CONNECTED event for it.
// A client already registered under id is replaced.
func (b *Broadcaster) AddClient(ctx context.Context, id string, handle ChannelHandle) error {
	if id == "" || handle == nil {
		return ErrInvalidClient
	}
	c := newClient(id, handle, b.cfg.ClientBuffer, b.cfg.Overflow)
	select {
	case b.register <- c:
		return nil
	case <-b.done:
		return ErrBroadcasterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RemoveClient deregisters id. Removing an unknown client is a no-op, and
// so is any removal before Run starts, since no client can be registered
// yet.
func (b *Broadcaster) RemoveClient(id string) {
	b.removeClient(id, nil)
}

func (b *Broadcaster) removeClient(id string, c *client) {
	if !b.running.Load() {
		return
	}
	select {
	case b.unregister <- removal{id: id, client: c}:
	case <-b.done:
	}
}

// Publish queues event for every registered client. If the dispatch loop
// has fallen PublishBuffer events behind, the event is dropped rather
// than stalling the publisher.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.publish <- event:
	default:
		b.dropped.Add(1)
		b.logger.Warn("publish buffer full, dropping event", "type", event.Type)
	}
}

// ClientCount returns the number of registered clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.count.Load())
}

// Dropped returns how many events Publish discarded.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops the dispatch loop and waits for client goroutines to exit.
func (b *Broadcaster) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	if b.running.Load() {
		<-b.stopped
	}
	b.wg.Wait()
	return nil
}
