/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */


// Package bufshare is a physical buffer allocator with cross-process sharing.
//
// A Device owns the heaps and the device-wide id tables. Every connected process gets a
// Client, which allocates Buffers through the BufferStore and refers to them by per-client
// Handle ids. A Buffer gets one ShareHandle while anybody shares it; other clients import
// it by share id or through an exported token, and the ShareHandle counts those importers
// and the subset actively consuming it. Privileged clients may register with the share
// pool to receive an Event whenever the import count of a share changes.
//
// A Buffer returns to its heap once its last Handle, ShareHandle and exported token are
// gone. Closing a Client releases everything it still holds.
package bufshare
