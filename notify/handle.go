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
)

// ChannelHandle is the transport side of one connected client.
type ChannelHandle interface {
	// Send delivers one event. It must honour ctx so a stalled transport
	// cannot pin the sender goroutine forever.
	Send(ctx context.Context, event Event) error

	// Done is closed when the transport goes away.
	Done() <-chan struct{}

	// Close releases the transport. It must be safe to call more than once.
	Close() error
}

// ChanHandle is a ChannelHandle backed by a Go channel. Transports such as
// the SSE endpoint read Events() and write to the wire; tests read it
// directly.
type ChanHandle struct {
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

var _ ChannelHandle = (*ChanHandle)(nil)

// NewChanHandle creates a handle whose channel holds up to buffer events.
func NewChanHandle(buffer int) *ChanHandle {
	if buffer < 0 {
		buffer = 0
	}
	return &ChanHandle{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

// Events returns the stream of delivered events. It is never closed;
// select on Done to detect shutdown.
func (h *ChanHandle) Events() <-chan Event {
	return h.events
}

func (h *ChanHandle) Send(ctx context.Context, event Event) error {
	select {
	case <-h.done:
		return ErrClientDisconnected
	default:
	}
	select {
	case h.events <- event:
		return nil
	case <-h.done:
		return ErrClientDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *ChanHandle) Done() <-chan struct{} {
	return h.done
}

func (h *ChanHandle) Close() error {
	h.closeOnce.Do(func() { close(h.done) })
	return nil
}
