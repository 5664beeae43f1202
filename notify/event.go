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

import "time"

// EventType identifies the kind of event pushed to clients.
type EventType string

const (
	EventConnected          EventType = "CONNECTED"
	EventDocumentProcessing EventType = "DOCUMENT_PROCESSING_UPDATE"
	EventGraphExtraction    EventType = "GRAPH_EXTRACTION_UPDATE"
)

// Event is the wire shape of every pushed message.
type Event struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data"`
	Timestamp int64     `json:"timestamp"` // Unix epoch milliseconds
}

// NewEvent stamps an event with the current time.
func NewEvent(eventType EventType, data any) Event {
	return Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Publisher accepts events for delivery. Publish never blocks on, or
// reports, subscriber health.
type Publisher interface {
	Publish(event Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(event Event)

func (f PublisherFunc) Publish(event Event) { f(event) }

// Discard is a Publisher that drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})
