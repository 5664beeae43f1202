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

// Package docflow wires the indexing pipeline together: storage, the
// progress tracker, the job dispatcher, the entity normalizer, the
// notification broadcaster and the default stage workers.
//
// A document submitted with Pipeline.Submit moves through parse, chunk,
// embedding, graph extraction and entity recognition in the background.
// Every state change is published to subscribed clients.
package docflow
