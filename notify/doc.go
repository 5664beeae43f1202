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

// Package notify fans out committed pipeline changes to live observers.
//
// A Broadcaster owns the client registry and runs a single dispatch loop
// (Run). Every published Event is handed to each registered client in
// publish order. Clients have a bounded outbound buffer drained by their own
// sender goroutine, so a slow or dead client can only hurt itself: on
// overflow it either loses its oldest pending event or is disconnected,
// depending on the configured OverflowPolicy.
//
// There is no replay. A client that registers after an event was published
// never sees it.
package notify
