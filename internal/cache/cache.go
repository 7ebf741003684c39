// Package cache provides the optional LRU node cache collaborator
// used by the Merkle tree for reads.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/corelog/hypercore/internal/common"
)

// Cache defaults, matching roughly 100kB of nodes kept for a year.
const (
	defaultTTL      = 365 * 24 * time.Hour
	defaultCapacity = 1500
)

// Options configures the node cache.
type Options struct {
	// TimeToLive evicts nodes this long after insertion. Zero means
	// the default.
	TimeToLive time.Duration
	// MaxCapacity bounds the number of cached nodes. Zero means the
	// default.
	MaxCapacity int
}

// NodeCache is a thread-safe LRU of tree nodes keyed by flat-tree
// index. It is used only for reads; misses fall through to storage.
type NodeCache struct {
	lru *expirable.LRU[uint64, *common.Node]
}

// New builds a node cache, seeding it with the given nodes.
func New(options *Options, initial []*common.Node) *NodeCache {
	ttl := defaultTTL
	capacity := defaultCapacity
	if options != nil {
		if options.TimeToLive > 0 {
			ttl = options.TimeToLive
		}
		if options.MaxCapacity > 0 {
			capacity = options.MaxCapacity
		}
	}
	c := &NodeCache{lru: expirable.NewLRU[uint64, *common.Node](capacity, nil, ttl)}
	for _, node := range initial {
		c.Insert(node)
	}
	return c
}

// Get returns a cached node, if present.
func (c *NodeCache) Get(index uint64) (*common.Node, bool) {
	return c.lru.Get(index)
}

// Insert stores a node.
func (c *NodeCache) Insert(node *common.Node) {
	c.lru.Add(node.Index, node)
}
