package buffer

import (
	"sync"
)

type PartitionKey interface {
	comparable
}

type Record any

// PartitionedBuffer holds an ordered, growable sequence of pending records per key.
// Partitions are created lazily on first append and are never removed; a reset
// clears a partition in place so the key stays resident for the life of the buffer.
type PartitionedBuffer[K PartitionKey, R Record] struct {
	mu         sync.RWMutex
	partitions map[K]*PartitionBuffer[R]
	keys       []K
}

func NewPartitionedBuffer[K PartitionKey, R Record]() *PartitionedBuffer[K, R] {
	return &PartitionedBuffer[K, R]{
		partitions: make(map[K]*PartitionBuffer[R]),
	}
}

// Append adds records to the partition for key, preserving their order, and
// returns the partition length after the append.
func (b *PartitionedBuffer[K, R]) Append(key K, records ...R) int {
	b.mu.RLock()
	pb, ok := b.partitions[key]
	b.mu.RUnlock()

	if !ok {
		b.mu.Lock()
		if pb, ok = b.partitions[key]; !ok {
			pb = NewPartitionBuffer[R]()
			b.partitions[key] = pb
			b.keys = append(b.keys, key)
		}
		b.mu.Unlock()
	}

	return pb.Append(records...)
}

func (b *PartitionedBuffer[K, R]) Len(key K) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if pb, ok := b.partitions[key]; ok {
		return pb.Len()
	}
	return 0
}

// Read returns a copy of the records buffered for key, or nil if the key was never seen.
func (b *PartitionedBuffer[K, R]) Read(key K) []R {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if pb, ok := b.partitions[key]; ok {
		return pb.Read()
	}
	return nil
}

// Reset clears the partition for key in place.
func (b *PartitionedBuffer[K, R]) Reset(key K) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if pb, ok := b.partitions[key]; ok {
		pb.Reset()
	}
}

func (b *PartitionedBuffer[K, R]) Has(key K) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.partitions[key]
	return ok
}

// Keys returns every key ever appended to, in first-seen order.
func (b *PartitionedBuffer[K, R]) Keys() []K {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]K, len(b.keys))
	copy(keys, b.keys)
	return keys
}

// Total returns the number of records buffered across all partitions.
func (b *PartitionedBuffer[K, R]) Total() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var n int
	for _, pb := range b.partitions {
		n += pb.Len()
	}
	return n
}

// PartitionBuffer is a thread-safe ordered buffer of records for a single partition.
type PartitionBuffer[R Record] struct {
	mu      sync.Mutex
	records []R
}

func NewPartitionBuffer[R Record]() *PartitionBuffer[R] {
	return &PartitionBuffer[R]{}
}

func (b *PartitionBuffer[R]) Append(records ...R) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, records...)
	return len(b.records)
}

func (b *PartitionBuffer[R]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

func (b *PartitionBuffer[R]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Zero the old entries so the backing array doesn't pin flushed records.
	clear(b.records)
	b.records = b.records[:0]
}

func (b *PartitionBuffer[R]) Read() []R {
	b.mu.Lock()
	defer b.mu.Unlock()

	copied := make([]R, len(b.records))
	copy(copied, b.records)
	return copied
}
