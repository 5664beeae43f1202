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

import "errors"

var (
	// ErrClientDisconnected is returned by a ChannelHandle whose transport is gone.
	ErrClientDisconnected = errors.New("client disconnected")

	// ErrBroadcasterClosed is returned when registering with a stopped broadcaster.
	ErrBroadcasterClosed = errors.New("broadcaster closed")

	// ErrInvalidClient is returned for an empty client ID or nil handle.
	ErrInvalidClient = errors.New("invalid client")
)
