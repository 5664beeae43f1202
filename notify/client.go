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
	"sync"
	"time"
)

// client is one registered observer. enqueue is called only from the
// dispatch loop and never blocks; the sender goroutine drains the queue.
type client struct {
	id       string
	handle   ChannelHandle
	capacity int
	policy   OverflowPolicy

	mu      sync.Mutex
	queue   []Event
	dropped int
	closed  bool

	wake      chan struct{}
	quit      chan struct{}
	closeOnce sync.Once
}

func newClient(id string, handle ChannelHandle, capacity int, policy OverflowPolicy) *client {
	return &client{
		id:       id,
		handle:   handle,
		capacity: capacity,
		policy:   policy,
		queue:    make([]Event, 0, capacity),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
}

// enqueue buffers event for delivery. It returns false when the client must
// be disconnected: it is already closed, or its buffer is full under the
// disconnect policy.
func (c *client) enqueue(event Event) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if len(c.queue) >= c.capacity {
		if c.policy == OverflowDisconnect {
			c.mu.Unlock()
			return false
		}
		c.queue = c.queue[1:]
		c.dropped++
	}
	c.queue = append(c.queue, event)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

func (c *client) next() (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(c.queue) == 0 {
		return Event{}, false
	}
	event := c.queue[0]
	c.queue = c.queue[1:]
	return event, true
}

func (c *client) droppedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// send drains the queue into the handle until the client is closed or a
// send fails, in which case onFail is called once.
func (c *client) send(timeout time.Duration, onFail func(err error)) {
	for {
		select {
		case <-c.quit:
			return
		case <-c.wake:
		}
		for {
			event, ok := c.next()
			if !ok {
				break
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			err := c.handle.Send(ctx, event)
			cancel()
			if err != nil {
				onFail(err)
				return
			}
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.queue = nil
		c.mu.Unlock()
		close(c.quit)
		c.handle.Close()
	})
}
