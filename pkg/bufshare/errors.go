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

import "github.com/srediag/bufshare/api"

// The core reports failures with the api sentinels so that in-process and remote callers
// can both match them with errors.Is.
var (
	ErrInvalidArgument   = api.ErrInvalidArgument
	ErrNotFound          = api.ErrNotFound
	ErrOutOfMemory       = api.ErrOutOfMemory
	ErrResourceExhausted = api.ErrResourceExhausted
	ErrTimedOut          = api.ErrTimedOut
	ErrPermissionDenied  = api.ErrPermissionDenied
	ErrAlreadyReleased   = api.ErrAlreadyReleased
	ErrClientClosed      = api.ErrClientClosed
	ErrInterrupted       = api.ErrInterrupted
)

// StatusOf maps err to the status code sent over the wire.
func StatusOf(err error) api.Status { return api.StatusOf(err) }
