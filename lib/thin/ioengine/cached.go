package ioengine

import (
	"github.com/jthornber/thin-provisioning-tools-go/lib/containers"
)

// Cached wraps an Engine with an LRU of recently-read blocks, so the
// superblock and B+tree roots visited repeatedly during check+repair
// don't get re-read from the device on every pass (blocks are cached
// raw; callers still decode them each time). Grounded on the
// teacher's containers.LRUCache[K,V], itself a generic wrapper around
// github.com/hashicorp/golang-lru (lib/containers/lru.go), the same cache
// the teacher uses for node/page caching (cmd/btrfs-mount/lru.go).
type Cached struct {
	Engine
	cache *containers.LRUCache[uint64, Block]
}

// NewCached wraps inner with an LRU cache holding up to size blocks. Writes always go straight through and invalidate any cached
// copy, since the walker must never observe a stale block.
func NewCached(inner Engine, size int) *Cached {
	return &Cached{
		Engine: inner,
		cache:  containers.NewLRUCache[uint64, Block](size),
	}
}

func (e *Cached) ReadBlock(nr uint64) (*Block, error) {
	if b, ok := e.cache.Get(nr); ok {
		cp := b
		return &cp, nil
	}
	b, err := e.Engine.ReadBlock(nr)
	if err != nil {
		return nil, err
	}
	e.cache.Add(nr, *b)
	return b, nil
}

func (e *Cached) WriteBlock(b *Block) error {
	e.cache.Remove(b.Nr)
	return e.Engine.WriteBlock(b)
}
