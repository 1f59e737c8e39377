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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/bufshare/api"
)

// Frame layout, little endian:
//
//	length  uint32  whole frame including header
//	magic   uint16
//	version uint8
//	op      uint8
//	seq     uint32  request id echoed by the response
//	status  uint32  api.Status, zero on requests
//	words   []uint64
const (
	headerLen    = 16
	frameMagic   = 0x6273
	frameVersion = 1
	// room for IMPORT_GROUP: bitmap plus three words per slot
	maxFrameLen = headerLen + 8*(1+3*api.GroupMaxSlots)
)

var (
	// ErrBadFrame is returned for frames with a wrong magic, version or length.
	ErrBadFrame = errors.New("transport: malformed frame")
)

type op uint8

const (
	opAlloc op = iota + 1
	opFree
	opExport
	opImport
	opReleaseExport
	opImportByShareID
	opShareInfo
	opWaitShare
	opIncConsume
	opDecConsume
	opConsumeInfo
	opWaitConsume
	opBufferProcessInfo
	opSharePoolRegister
	opSharePoolUnregister
	opSharePoolRefCount
	opSharePoolMonitor
	opSharePoolWakeUp
	opSharePoolNotify
	opRegisterGroup
	opUnregisterGroup
	opSetGroupPlanes
	opGroupPlanes
	opImportGroup
	opFreeGroup
	opMax
)

var opNames = [...]string{
	opAlloc:               "ALLOC",
	opFree:                "FREE",
	opExport:              "EXPORT",
	opImport:              "IMPORT",
	opReleaseExport:       "RELEASE_EXPORT",
	opImportByShareID:     "IMPORT_BY_SHARE_ID",
	opShareInfo:           "GET_SHARE_INFO",
	opWaitShare:           "WAIT_SHARE_ID",
	opIncConsume:          "INC_CONSUME_CNT",
	opDecConsume:          "DEC_CONSUME_CNT",
	opConsumeInfo:         "GET_CONSUME_INFO",
	opWaitConsume:         "WAIT_CONSUME_STATUS",
	opBufferProcessInfo:   "GET_BUFFER_PROCESS_INFO",
	opSharePoolRegister:   "SHARE_POOL_REGISTER",
	opSharePoolUnregister: "SHARE_POOL_UNREGISTER",
	opSharePoolRefCount:   "SHARE_POOL_GET_REF_CNT",
	opSharePoolMonitor:    "SHARE_POOL_MONITOR_REF_CNT",
	opSharePoolWakeUp:     "SHARE_POOL_WAKE_UP_MONITOR",
	opSharePoolNotify:     "SHARE_POOL_NOTIFY",
	opRegisterGroup:       "REGISTER_GROUP",
	opUnregisterGroup:     "UNREGISTER_GROUP",
	opSetGroupPlanes:      "SET_GROUP_PLANES",
	opGroupPlanes:         "GET_GROUP_PLANES",
	opImportGroup:         "IMPORT_GROUP",
	opFreeGroup:           "FREE_GROUP",
}

func (o op) String() string {
	if o > 0 && o < opMax {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// blocking reports whether o may suspend the caller; such requests run off the read loop.
func (o op) blocking() bool {
	switch o {
	case opWaitShare, opWaitConsume, opSharePoolMonitor, opSharePoolNotify:
		return true
	}
	return false
}

// countOnTimeout reports whether a timed out o still carries the current count.
func (o op) countOnTimeout() bool { return o == opWaitShare || o == opWaitConsume }

type frame struct {
	op     op
	seq    uint32
	status api.Status
	words  []uint64
}

func (f *frame) String() string {
	return fmt.Sprintf("%s seq:%d status:%d words:%d", f.op, f.seq, f.status, len(f.words))
}

// word returns the i-th payload word, or zero when the frame is short.
func (f *frame) word(i int) uint64 {
	if i < len(f.words) {
		return f.words[i]
	}
	return 0
}

func writeFrame(w io.Writer, f *frame) error {
	length := headerLen + 8*len(f.words)
	if length > maxFrameLen {
		return fmt.Errorf("%w: %s carries %d words", ErrBadFrame, f.op, len(f.words))
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.B = binary.LittleEndian.AppendUint32(buf.B, uint32(length))
	buf.B = binary.LittleEndian.AppendUint16(buf.B, frameMagic)
	buf.B = append(buf.B, frameVersion, byte(f.op))
	buf.B = binary.LittleEndian.AppendUint32(buf.B, f.seq)
	buf.B = binary.LittleEndian.AppendUint32(buf.B, uint32(f.status))
	for _, word := range f.words {
		buf.B = binary.LittleEndian.AppendUint64(buf.B, word)
	}
	_, err := w.Write(buf.B)
	return err
}

func readFrame(r io.Reader) (*frame, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	if binary.LittleEndian.Uint16(header[4:6]) != frameMagic || header[6] != frameVersion {
		return nil, fmt.Errorf("%w: magic:%#x version:%d", ErrBadFrame, binary.LittleEndian.Uint16(header[4:6]), header[6])
	}
	if length < headerLen || length > maxFrameLen || (length-headerLen)%8 != 0 {
		return nil, fmt.Errorf("%w: length %d", ErrBadFrame, length)
	}
	f := &frame{
		op:     op(header[7]),
		seq:    binary.LittleEndian.Uint32(header[8:12]),
		status: api.Status(binary.LittleEndian.Uint32(header[12:16])),
		words:  make([]uint64, (length-headerLen)/8),
	}
	if len(f.words) == 0 {
		return f, nil
	}
	payload := make([]byte, length-headerLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	for i := range f.words {
		f.words[i] = binary.LittleEndian.Uint64(payload[8*i:])
	}
	return f, nil
}

// Timeouts travel as signed nanoseconds so that -1 keeps meaning "forever".
func encodeTimeout(d time.Duration) uint64 { return uint64(int64(d)) }

func decodeTimeout(w uint64) time.Duration { return time.Duration(int64(w)) }

func encodeDescriptor(desc *api.GroupDescriptor) []uint64 {
	words := make([]uint64, 0, 1+3*api.GroupMaxSlots)
	words = append(words, uint64(desc.Bitmap))
	for _, slot := range desc.Slots {
		words = append(words, uint64(slot.ShareID), slot.Phys, slot.Len)
	}
	return words
}

func decodeDescriptor(f *frame) api.GroupDescriptor {
	desc := api.GroupDescriptor{Bitmap: uint32(f.word(0))}
	for i := range desc.Slots {
		desc.Slots[i] = api.GroupSlot{
			ShareID: uint32(f.word(1 + 3*i)),
			Phys:    f.word(2 + 3*i),
			Len:     f.word(3 + 3*i),
		}
	}
	return desc
}
