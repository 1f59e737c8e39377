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
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/bufshare/api"
)

func TestFrame_WriteRead(t *testing.T) {
	var buf bytes.Buffer
	in := &frame{op: opWaitShare, seq: 42, words: []uint64{3, encodeInt(-1), encodeTimeout(api.WaitForever)}}
	require.NoError(t, writeFrame(&buf, in))
	assert.Equal(t, headerLen+3*8, buf.Len())

	out, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, in.op, out.op)
	assert.Equal(t, in.seq, out.seq)
	assert.Equal(t, api.StatusOK, out.status)
	assert.Equal(t, int64(-1), decodeInt(out.word(1)))
	assert.Equal(t, api.WaitForever, decodeTimeout(out.word(2)))
	assert.Zero(t, out.word(10))

	buf.Reset()
	require.NoError(t, writeFrame(&buf, &frame{op: opFree, seq: 1, status: api.StatusNotFound}))
	out, err = readFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, out.words)
	assert.ErrorIs(t, out.status.Err(), api.ErrNotFound)
}

func TestFrame_Rejects(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, &frame{op: opAlloc, seq: 1, words: []uint64{1}}))
	raw := buf.Bytes()

	badMagic := append([]byte(nil), raw...)
	badMagic[4] ^= 0xff
	_, err := readFrame(bytes.NewReader(badMagic))
	assert.ErrorIs(t, err, ErrBadFrame)

	badLen := append([]byte(nil), raw...)
	binary.LittleEndian.PutUint32(badLen[0:4], headerLen+3)
	_, err = readFrame(bytes.NewReader(badLen))
	assert.ErrorIs(t, err, ErrBadFrame)

	tooLong := append([]byte(nil), raw...)
	binary.LittleEndian.PutUint32(tooLong[0:4], maxFrameLen+8)
	_, err = readFrame(bytes.NewReader(tooLong))
	assert.ErrorIs(t, err, ErrBadFrame)

	assert.ErrorIs(t, writeFrame(&buf, &frame{op: opAlloc, words: make([]uint64, maxFrameWords+1)}), ErrBadFrame)
}

func TestDescriptorWords(t *testing.T) {
	var desc api.GroupDescriptor
	desc.Bitmap = 1<<0 | 1<<31
	desc.Slots[0] = api.GroupSlot{ShareID: 5, Phys: 0x1000, Len: 0x2000}
	desc.Slots[31] = api.GroupSlot{ShareID: 9}

	words := encodeDescriptor(&desc)
	require.Len(t, words, maxFrameWords)
	assert.Equal(t, desc, decodeDescriptor(&frame{words: words}))
}

func TestEventWords(t *testing.T) {
	ev := api.Event{FD: -1, ShareID: api.WakeAll, Delta: -1, ImportCount: 3, Slot: -1}
	assert.Equal(t, ev, decodeEvent(encodeEvent(ev)))
}

func TestOpNames(t *testing.T) {
	for o := opAlloc; o < opMax; o++ {
		assert.NotEmpty(t, opNames[o], "op %d", o)
	}
	assert.Equal(t, "op(99)", op(99).String())
	assert.True(t, opSharePoolMonitor.blocking())
	assert.False(t, opAlloc.blocking())
	assert.True(t, opWaitConsume.countOnTimeout())
	assert.False(t, opSharePoolNotify.countOnTimeout())
}

func TestDispatch_UnknownOp(t *testing.T) {
	_, err := dispatch(context.Background(), nil, &frame{op: op(99)})
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}
