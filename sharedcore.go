package hypercore

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// SharedCore serialises access to a Core from multiple goroutines
// through a context-aware exclusive lock. Operations run one at a
// time, in acquisition order.
type SharedCore struct {
	lock *semaphore.Weighted
	core *Core
}

// NewSharedCore wraps a core for shared use. The core must not be
// used directly afterwards.
func NewSharedCore(core *Core) *SharedCore {
	return &SharedCore{
		lock: semaphore.NewWeighted(1),
		core: core,
	}
}

func (s *SharedCore) acquire(ctx context.Context) error {
	return s.lock.Acquire(ctx, 1)
}

func (s *SharedCore) release() {
	s.lock.Release(1)
}

// Info returns a snapshot of the core's state.
func (s *SharedCore) Info(ctx context.Context) (Info, error) {
	if err := s.acquire(ctx); err != nil {
		return Info{}, err
	}
	defer s.release()
	return s.core.Info(), nil
}

// KeyPair returns the core's key pair.
func (s *SharedCore) KeyPair(ctx context.Context) (*KeyPair, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	return s.core.KeyPair(), nil
}

// Append adds a single block to the log.
func (s *SharedCore) Append(ctx context.Context, data []byte) (*AppendOutcome, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	return s.core.Append(data)
}

// AppendBatch adds a batch of blocks under one signature.
func (s *SharedCore) AppendBatch(ctx context.Context, batch [][]byte) (*AppendOutcome, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	return s.core.AppendBatch(batch)
}

// Get returns the block at index, or nil if absent.
func (s *SharedCore) Get(ctx context.Context, index uint64) ([]byte, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	return s.core.Get(index)
}

// Clear drops the blocks in [start, end).
func (s *SharedCore) Clear(ctx context.Context, start, end uint64) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.core.Clear(start, end)
}

// CreateProof builds a proof answering the given requests.
func (s *SharedCore) CreateProof(ctx context.Context, block, hash *RequestBlock, seek *RequestSeek, upgrade *RequestUpgrade) (*Proof, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	return s.core.CreateProof(block, hash, seek, upgrade)
}

// VerifyAndApplyProof verifies and applies a proof from a peer.
func (s *SharedCore) VerifyAndApplyProof(ctx context.Context, proof *Proof) (bool, error) {
	if err := s.acquire(ctx); err != nil {
		return false, err
	}
	defer s.release()
	return s.core.VerifyAndApplyProof(proof)
}

// MissingNodes counts the nodes missing for verifying a block.
func (s *SharedCore) MissingNodes(ctx context.Context, index uint64) (uint64, error) {
	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.release()
	return s.core.MissingNodes(index)
}

// Subscribe returns a channel of replication events.
func (s *SharedCore) Subscribe() <-chan Event {
	return s.core.Subscribe()
}
