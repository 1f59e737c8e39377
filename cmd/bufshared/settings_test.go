package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/bufshare/pkg/heap"
)

func TestLoadSettings(t *testing.T) {
	t.Setenv("BUFSHARE_SOCKET", "/tmp/test.sock")
	t.Setenv("BUFSHARE_MAX_CLIENTS", "3")
	t.Setenv("BUFSHARE_NOTIFY_TIMEOUT", "250ms")

	s, err := loadSettings()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test.sock", s.Socket)
	assert.Equal(t, 3, s.MaxClients)
	assert.Equal(t, 250*time.Millisecond, s.NotifyTimeout)
	assert.Equal(t, uint32(100), s.EventQueueCap)
	assert.True(t, s.Audit)

	t.Setenv("BUFSHARE_MAX_CLIENTS", "many")
	_, err = loadSettings()
	assert.Error(t, err)
}

func TestParseHeaps(t *testing.T) {
	confs, err := parseHeaps("0:system:system:0x10000000:64M, 3:sram:sram:0x40000000:16K:10,1:cma:dma:4096:0x100000:5:deferred")
	require.NoError(t, err)
	require.Len(t, confs, 3)
	assert.Equal(t, heap.RegionConfig{ID: 0, Name: "system", Type: heap.TypeSystem, Base: 0x10000000, Size: 64 << 20}, confs[0])
	assert.Equal(t, heap.RegionConfig{ID: 3, Name: "sram", Type: heap.TypeSRAM, Base: 0x40000000, Size: 16 << 10, Priority: 10}, confs[1])
	assert.Equal(t, heap.RegionConfig{ID: 1, Name: "cma", Type: heap.TypeDMA, Base: 4096, Size: 1 << 20, Priority: 5, Deferred: true}, confs[2])

	for _, bad := range []string{
		"",
		"0:system:system:0x1000",
		"32:system:system:0:4K",
		"0:system:bogus:0:4K",
		"0:system:system:base:4K",
		"0:system:system:0:4T",
		"0:system:system:0:0xffffffffffffG",
		"0:system:system:0:4K:high",
		"0:system:system:0:4K:1:lazy",
	} {
		_, err := parseHeaps(bad)
		assert.Error(t, err, bad)
	}
}

func TestCheckMemory(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, checkMemory(ctx, []heap.RegionConfig{{Size: 4096}}))
	assert.Error(t, checkMemory(ctx, []heap.RegionConfig{{Size: 1 << 62}, {Size: 1 << 62}}))
}
