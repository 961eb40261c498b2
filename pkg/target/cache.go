package target

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/pebble-dev/rtosdbg/pkg/logflags"
	"github.com/pebble-dev/rtosdbg/pkg/rtos"
)

const (
	// DefaultBlockSize is the size of a cached block, it is large enough
	// to hold a TCB name buffer or a floating point stack frame.
	DefaultBlockSize = 256
	// DefaultCacheBlocks is the default number of blocks kept in a cache.
	DefaultCacheBlocks = 64
)

// CachedMemory caches reads from a slow memory source (a stub behind a
// debug probe) in fixed size, aligned blocks. The contents are only valid
// while the target stays halted, Purge must be called before every
// enumeration.
type CachedMemory struct {
	mem       rtos.MemoryReader
	blockSize uint64
	blocks    *lru.Cache

	hits, misses int
}

// NewCachedMemory returns a cache of nblocks blocks of blockSize bytes in
// front of mem. blockSize must be a power of two.
func NewCachedMemory(mem rtos.MemoryReader, blockSize, nblocks int) (*CachedMemory, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if nblocks <= 0 {
		nblocks = DefaultCacheBlocks
	}
	if blockSize&(blockSize-1) != 0 {
		return nil, &rtos.ConfigurationError{Reason: "cache block size must be a power of two"}
	}
	blocks, err := lru.New(nblocks)
	if err != nil {
		return nil, err
	}
	return &CachedMemory{mem: mem, blockSize: uint64(blockSize), blocks: blocks}, nil
}

// ReadMemory implements rtos.MemoryReader.
func (m *CachedMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	n := 0
	for n < len(buf) {
		cur := addr + uint64(n)
		base := cur &^ (m.blockSize - 1)
		block, err := m.block(base)
		if err != nil {
			// The block may straddle the end of readable memory, fall
			// back to reading exactly what was asked for.
			logflags.DebuggerLogger().Debugf("cache: block %#x unreadable (%v), reading %#x directly", base, err, cur)
			nn, err := m.mem.ReadMemory(buf[n:], cur)
			return n + nn, err
		}
		n += copy(buf[n:], block[cur-base:])
	}
	return n, nil
}

func (m *CachedMemory) block(base uint64) ([]byte, error) {
	if v, ok := m.blocks.Get(base); ok {
		m.hits++
		return v.([]byte), nil
	}
	m.misses++
	block := make([]byte, m.blockSize)
	if _, err := m.mem.ReadMemory(block, base); err != nil {
		return nil, err
	}
	m.blocks.Add(base, block)
	return block, nil
}

// Purge discards every cached block.
func (m *CachedMemory) Purge() {
	if m.hits+m.misses > 0 {
		logflags.DebuggerLogger().Debugf("cache: %d hits, %d misses", m.hits, m.misses)
	}
	m.blocks.Purge()
	m.hits, m.misses = 0, 0
}

// Stats returns the number of block hits and misses since the last Purge.
func (m *CachedMemory) Stats() (hits, misses int) {
	return m.hits, m.misses
}
