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

package transport

import (
	"context"
	"fmt"

	"github.com/srediag/bufshare/api"
	"github.com/srediag/bufshare/pkg/heap"
)

const maxFrameWords = (maxFrameLen - headerLen) / 8

func encodeInt(v int64) uint64 { return uint64(v) }

func decodeInt(w uint64) int64 { return int64(w) }

// dispatch runs req against s and returns the response payload. The payload is
// meaningful only when the error is nil.
func dispatch(ctx context.Context, s api.Session, req *frame) ([]uint64, error) {
	switch req.op {
	case opAlloc:
		res, err := s.Alloc(ctx, req.word(0), req.word(1), uint32(req.word(2)), heap.Flags(req.word(3)))
		return []uint64{uint64(res.HandleID), uint64(res.ShareID)}, err
	case opFree:
		return nil, s.Free(uint32(req.word(0)))
	case opExport:
		token, err := s.Export(uint32(req.word(0)))
		return []uint64{token}, err
	case opImport:
		id, err := s.Import(ctx, req.word(0))
		return []uint64{uint64(id)}, err
	case opReleaseExport:
		return nil, s.ReleaseExport(req.word(0))
	case opImportByShareID:
		id, err := s.ImportByShareID(ctx, uint32(req.word(0)), req.word(1), req.word(2))
		return []uint64{uint64(id)}, err
	case opShareInfo:
		n, err := s.ShareInfo(uint32(req.word(0)))
		return []uint64{encodeInt(int64(n))}, err
	case opWaitShare:
		n, err := s.WaitShare(ctx, uint32(req.word(0)), int(decodeInt(req.word(1))), decodeTimeout(req.word(2)))
		return []uint64{encodeInt(int64(n))}, err
	case opIncConsume:
		return nil, s.IncConsume(uint32(req.word(0)))
	case opDecConsume:
		return nil, s.DecConsume(uint32(req.word(0)))
	case opConsumeInfo:
		n, err := s.ConsumeInfo(uint32(req.word(0)))
		return []uint64{encodeInt(int64(n))}, err
	case opWaitConsume:
		n, err := s.WaitConsume(ctx, uint32(req.word(0)), int(decodeInt(req.word(1))), decodeTimeout(req.word(2)))
		return []uint64{encodeInt(int64(n))}, err
	case opBufferProcessInfo:
		limit := decodeInt(req.word(1))
		if limit > maxFrameWords {
			limit = maxFrameWords
		}
		pids, err := s.BufferProcessInfo(uint32(req.word(0)), int(limit))
		words := make([]uint64, len(pids))
		for i, pid := range pids {
			words[i] = encodeInt(int64(pid))
		}
		return words, err
	case opSharePoolRegister:
		return nil, s.SharePoolRegister(uint32(req.word(0)), int32(decodeInt(req.word(1))))
	case opSharePoolUnregister:
		return nil, s.SharePoolUnregister(uint32(req.word(0)), int32(decodeInt(req.word(1))))
	case opSharePoolRefCount:
		n, err := s.SharePoolRefCount(uint32(req.word(0)))
		return []uint64{encodeInt(int64(n))}, err
	case opSharePoolMonitor:
		ev, err := s.SharePoolMonitor(ctx, decodeTimeout(req.word(0)))
		return encodeEvent(ev), err
	case opSharePoolWakeUp:
		return nil, s.SharePoolWakeUp(uint32(req.word(0)))
	case opSharePoolNotify:
		return nil, s.SharePoolNotify(ctx, uint32(req.word(0)), int32(decodeInt(req.word(1))),
			decodeTimeout(req.word(2)), req.word(3) != 0)
	case opRegisterGroup:
		id, err := s.RegisterGroup(uint32(req.word(0)))
		return []uint64{uint64(id)}, err
	case opUnregisterGroup:
		return nil, s.UnregisterGroup(uint32(req.word(0)))
	case opSetGroupPlanes:
		var shares [api.GroupMaxSlots]uint32
		for i := range shares {
			shares[i] = uint32(req.word(2 + i))
		}
		return nil, s.SetGroupPlanes(uint32(req.word(0)), uint32(req.word(1)), shares)
	case opGroupPlanes:
		bitmap, shares, err := s.GroupPlanes(uint32(req.word(0)))
		return encodePlanes(bitmap, shares), err
	case opImportGroup:
		ids, err := s.ImportGroup(ctx, decodeDescriptor(req))
		words := make([]uint64, len(ids))
		for i, id := range ids {
			words[i] = uint64(id)
		}
		return words, err
	case opFreeGroup:
		return nil, s.FreeGroup(decodeDescriptor(req))
	default:
		return nil, fmt.Errorf("unknown command %s: %w", req.op, api.ErrInvalidArgument)
	}
}

func encodeEvent(ev api.Event) []uint64 {
	return []uint64{
		encodeInt(int64(ev.FD)),
		uint64(ev.ShareID),
		encodeInt(int64(ev.Delta)),
		encodeInt(int64(ev.ImportCount)),
		encodeInt(int64(ev.Slot)),
	}
}

func decodeEvent(words []uint64) api.Event {
	f := frame{words: words}
	return api.Event{
		FD:          int32(decodeInt(f.word(0))),
		ShareID:     uint32(f.word(1)),
		Delta:       int32(decodeInt(f.word(2))),
		ImportCount: int32(decodeInt(f.word(3))),
		Slot:        int32(decodeInt(f.word(4))),
	}
}

func encodePlanes(bitmap uint32, shares [api.GroupMaxSlots]uint32) []uint64 {
	words := make([]uint64, 0, 1+api.GroupMaxSlots)
	words = append(words, uint64(bitmap))
	for _, id := range shares {
		words = append(words, uint64(id))
	}
	return words
}
