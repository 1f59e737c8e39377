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

package bufshare

import "sync/atomic"

// ExportedObject is a transferable token standing for one reference on a Buffer. It is
// owned by the exporting client and released by it, or at its disconnect.
type ExportedObject struct {
	token    uint64
	buffer   *Buffer
	owner    *Client
	released atomic.Bool
}

// Token returns the wire value of the object.
func (eo *ExportedObject) Token() uint64 { return eo.token }

// release drops the buffer reference. Only the first call has an effect.
func (eo *ExportedObject) release(d *Device) bool {
	if !eo.released.CompareAndSwap(false, true) {
		return false
	}
	d.exports.RemoveCb(eo.token, func(_ uint64, v *ExportedObject, ok bool) bool {
		return ok && v == eo
	})
	eo.buffer.put()
	return true
}
