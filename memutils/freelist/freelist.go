package freelist

import (
	"context"
	"math"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/travisvroman/kohi-sub003/memutils"
	"golang.org/x/exp/slog"
)

// node is one entry in the address-ordered chain of free ranges. Nodes live in
// caller-provided storage and refer to each other by slot index rather than
// pointer, so the chain never touches the Go heap.
type node struct {
	offset uint64
	size   uint64
	next   uint32
}

const (
	nodeSize = int(unsafe.Sizeof(node{}))

	// noNode is the index value marking the end of a node chain.
	noNode uint32 = math.MaxUint32

	// minNodeCount is the smallest tracking pool New will lay out, regardless of
	// how small the managed block is.
	minNodeCount = 20
)

// Freelist tracks the free byte ranges of a fixed-size block as an
// address-ordered chain of (offset, size) nodes. It holds none of the block's
// bytes itself- it only records which of them are unused. The dynamic allocator
// builds its header-based API on one of these, and the renderer uses one
// directly to hand out ranges of a device buffer.
//
// Tracking nodes live in a storage buffer the caller provides to New, sized
// with RequiredStorage, so a Freelist performs no allocations of its own once
// initialized. A Freelist is not safe for concurrent use.
type Freelist struct {
	logger *slog.Logger

	totalSize  int
	allocCount int

	nodes []node
	// head is the slot index of the lowest-offset free range, or noNode when
	// the block is fully allocated.
	head uint32
	// firstUnused chains the slots not currently tracking a free range.
	firstUnused uint32
}

var _ memutils.Validatable = (*Freelist)(nil)

// RequiredStorage returns the size in bytes of the node storage buffer that New
// requires for a block of totalSize bytes. The pool scales with the block but
// never drops below a floor of minNodeCount slots.
func RequiredStorage(totalSize int) int {
	nodeCount := totalSize / (8 * nodeSize)
	if nodeCount < minNodeCount {
		nodeCount = minNodeCount
	}

	return nodeCount * nodeSize
}

// New initializes a Freelist managing offsets [0, totalSize) as a single
// spanning free range. The storage buffer holds the tracking nodes for the
// Freelist's whole lifetime: it must be at least RequiredStorage(totalSize)
// bytes, aligned for uint64 access, and must not be touched by the caller again
// until after Destroy.
//
// A block small enough that its tracking nodes outweigh it is legal but wasteful,
// so New logs a warning for one rather than failing.
func New(logger *slog.Logger, totalSize int, storage []byte) (*Freelist, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if totalSize < 1 {
		return nil, errors.Errorf("invalid block size %d: must be at least 1 byte", totalSize)
	}

	required := RequiredStorage(totalSize)
	if len(storage) < required {
		return nil, errors.Errorf("node storage is %d bytes, but a %d-byte block requires at least %d bytes", len(storage), totalSize, required)
	}
	if uintptr(unsafe.Pointer(&storage[0]))%unsafe.Alignof(node{}) != 0 {
		return nil, errors.Errorf("node storage must be aligned to %d bytes", unsafe.Alignof(node{}))
	}

	if totalSize < required {
		logger.LogAttrs(context.Background(), slog.LevelWarn,
			"freelist tracking nodes occupy more memory than the block they track",
			slog.Int("totalSize", totalSize),
			slog.Int("nodeStorage", required),
		)
	}

	f := &Freelist{
		logger:    logger,
		totalSize: totalSize,
		nodes:     unsafe.Slice((*node)(unsafe.Pointer(&storage[0])), required/nodeSize),
	}
	f.Clear()

	return f, nil
}

// TotalSize returns the size in bytes of the managed block.
func (f *Freelist) TotalSize() int {
	return f.totalSize
}

// AllocationCount returns the number of live allocations- successful
// AllocateBlock calls minus successful FreeBlock calls.
func (f *Freelist) AllocationCount() int {
	return f.allocCount
}

// IsEmpty returns true if no allocations are live.
func (f *Freelist) IsEmpty() bool {
	return f.allocCount == 0
}

// FreeSpace returns the number of unallocated bytes in the block. It walks the
// free ranges, so it is O(n) in the number of distinct ranges.
func (f *Freelist) FreeSpace() int {
	var sum uint64
	for cur := f.head; cur != noNode; cur = f.nodes[cur].next {
		sum += f.nodes[cur].size
	}

	return int(sum)
}

// FreeRegionsCount returns the number of distinct free ranges. Adjacent ranges
// are always merged on free, so this doubles as a fragmentation measure.
func (f *Freelist) FreeRegionsCount() int {
	var count int
	for cur := f.head; cur != noNode; cur = f.nodes[cur].next {
		count++
	}

	return count
}

// AllocateBlock reserves size bytes from the first free range that can hold
// them, scanning in ascending offset order, and returns their offset within the
// block. The reservation comes from the front of the chosen range: an exact fit
// retires the range's node, anything larger is shrunk in place.
//
// When no range is large enough, AllocateBlock returns an error wrapping
// ErrNoSpace and the Freelist is left unchanged.
func (f *Freelist) AllocateBlock(size int) (int, error) {
	memutils.DebugValidate(f)

	if size < 1 {
		return 0, errors.Errorf("invalid allocation size %d: must be at least 1 byte", size)
	}

	prev := noNode
	for cur := f.head; cur != noNode; cur = f.nodes[cur].next {
		n := &f.nodes[cur]

		if uint64(size) == n.size {
			// Exact fit- retire the node.
			offset := int(n.offset)
			f.unlink(prev, cur)
			f.allocCount++
			return offset, nil
		}

		if uint64(size) < n.size {
			offset := int(n.offset)
			n.offset += uint64(size)
			n.size -= uint64(size)
			f.allocCount++
			return offset, nil
		}

		prev = cur
	}

	return 0, errors.Wrapf(ErrNoSpace, "no free range can hold %d bytes (%d bytes free across %d ranges)", size, f.FreeSpace(), f.FreeRegionsCount())
}

// FreeBlock returns the range [offset, offset+size) to the Freelist, merging it
// with its neighbors when they are byte-contiguous. A range that overlaps free
// memory, falls outside the block, or has a non-positive size is refused with
// an error wrapping ErrInvalidRange, leaving the Freelist unchanged. A freed
// range that bridges two free ranges collapses all three into one node.
func (f *Freelist) FreeBlock(offset, size int) error {
	memutils.DebugValidate(f)

	if size < 1 {
		return errors.Wrapf(ErrInvalidRange, "invalid free of %d bytes at offset %d: size must be at least 1 byte", size, offset)
	}
	if offset < 0 || offset > f.totalSize || size > f.totalSize-offset {
		return errors.Wrapf(ErrInvalidRange, "free of %d bytes at offset %d falls outside the %d-byte block", size, offset, f.totalSize)
	}

	// Find the first free range at or past the freed range, tracking its
	// predecessor.
	prev := noNode
	cur := f.head
	for cur != noNode && f.nodes[cur].offset < uint64(offset) {
		prev = cur
		cur = f.nodes[cur].next
	}

	if cur != noNode && uint64(offset+size) > f.nodes[cur].offset {
		return errors.Wrapf(ErrInvalidRange, "range [%d, %d) overlaps the free range [%d, %d)- was it already freed?",
			offset, offset+size, f.nodes[cur].offset, f.nodes[cur].offset+f.nodes[cur].size)
	}
	if prev != noNode && f.nodes[prev].offset+f.nodes[prev].size > uint64(offset) {
		return errors.Wrapf(ErrInvalidRange, "range [%d, %d) overlaps the free range [%d, %d)- was it already freed?",
			offset, offset+size, f.nodes[prev].offset, f.nodes[prev].offset+f.nodes[prev].size)
	}

	mergePrev := prev != noNode && f.nodes[prev].offset+f.nodes[prev].size == uint64(offset)
	mergeNext := cur != noNode && uint64(offset+size) == f.nodes[cur].offset

	switch {
	case mergePrev && mergeNext:
		// The freed range bridges two free ranges- collapse all three into the
		// predecessor.
		f.nodes[prev].size += uint64(size) + f.nodes[cur].size
		f.unlink(prev, cur)

	case mergePrev:
		f.nodes[prev].size += uint64(size)

	case mergeNext:
		f.nodes[cur].offset = uint64(offset)
		f.nodes[cur].size += uint64(size)

	default:
		index, err := f.acquireNode()
		if err != nil {
			return err
		}

		f.nodes[index] = node{
			offset: uint64(offset),
			size:   uint64(size),
			next:   cur,
		}

		if prev == noNode {
			f.head = index
		} else {
			f.nodes[prev].next = index
		}
	}

	f.allocCount--
	return nil
}

// VisitFreeRanges calls the provided callback once per free range, in ascending
// offset order, stopping at the first error.
func (f *Freelist) VisitFreeRanges(visit func(offset, size int) error) error {
	for cur := f.head; cur != noNode; cur = f.nodes[cur].next {
		err := visit(int(f.nodes[cur].offset), int(f.nodes[cur].size))
		if err != nil {
			return err
		}
	}

	return nil
}

// Clear instantly frees the entire block, resetting the Freelist to a single
// spanning free range. Offsets handed out before Clear must not be freed after
// it.
func (f *Freelist) Clear() {
	f.nodes[0] = node{
		offset: 0,
		size:   uint64(f.totalSize),
		next:   noNode,
	}
	f.head = 0
	f.allocCount = 0

	// Thread every other slot onto the unused chain, lowest index first.
	f.firstUnused = noNode
	for i := len(f.nodes) - 1; i >= 1; i-- {
		f.nodes[i].next = f.firstUnused
		f.firstUnused = uint32(i)
	}
}

// Destroy clears the Freelist's hold on its node storage. The caller owns the
// storage buffer and may dispose of it once Destroy returns. The Freelist must
// not be used again.
func (f *Freelist) Destroy() {
	f.nodes = nil
	f.head = noNode
	f.firstUnused = noNode
	f.totalSize = 0
	f.allocCount = 0
}

// AddStatistics sums this Freelist's usage into the provided statistics.
func (f *Freelist) AddStatistics(stats *memutils.Statistics) {
	stats.AddBlock(f.totalSize)
	stats.AllocationCount += f.allocCount
	stats.AllocationBytes += f.totalSize - f.FreeSpace()
}

// AddDetailedStatistics sums this Freelist's usage into the provided
// statistics, with one unused-range entry per free range. A Freelist does not
// know the sizes of individual allocations, only their total, so the allocation
// size extremes are left untouched.
func (f *Freelist) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.AddBlock(f.totalSize)
	stats.AllocationCount += f.allocCount
	stats.AllocationBytes += f.totalSize - f.FreeSpace()

	_ = f.VisitFreeRanges(func(offset, size int) error {
		stats.AddUnusedRange(size)
		return nil
	})
}

// BlockJsonData populates a json object with information about this block,
// including one entry per free range.
func (f *Freelist) BlockJsonData(json jwriter.ObjectState) {
	json.Name("TotalBytes").Int(f.totalSize)
	json.Name("UnusedBytes").Int(f.FreeSpace())
	json.Name("Allocations").Int(f.allocCount)
	json.Name("UnusedRanges").Int(f.FreeRegionsCount())

	arrayState := json.Name("FreeRanges").Array()
	defer arrayState.End()

	_ = f.VisitFreeRanges(func(offset, size int) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(offset)
		obj.Name("Size").Int(size)
		return nil
	})
}

// Validate performs a full consistency check of the free-range chain and the
// node pool. When the Freelist is functioning correctly it should not be
// possible for this method to return an error, but it may assist in diagnosing
// issues with code that bypasses the dynamic allocator and frees raw ranges.
func (f *Freelist) Validate() error {
	if f.nodes == nil {
		return errors.New("the freelist has no node storage- it was never initialized or has been destroyed")
	}

	var freeCount int
	var freeBytes uint64
	var lastEnd uint64
	atHead := true

	for cur := f.head; cur != noNode; cur = f.nodes[cur].next {
		if int(cur) >= len(f.nodes) {
			return errors.Errorf("the free range chain points at slot %d, but only %d slots exist", cur, len(f.nodes))
		}

		n := f.nodes[cur]
		if n.size == 0 {
			return errors.Errorf("the free range at offset %d has zero size", n.offset)
		}
		if n.offset+n.size > uint64(f.totalSize) {
			return errors.Errorf("the free range [%d, %d) extends past the end of the %d-byte block", n.offset, n.offset+n.size, f.totalSize)
		}

		if !atHead {
			if n.offset < lastEnd {
				return errors.Errorf("the free range at offset %d overlaps the previous range ending at %d", n.offset, lastEnd)
			}
			if n.offset == lastEnd {
				return errors.Errorf("the free ranges meeting at offset %d are adjacent but unmerged", n.offset)
			}
		}

		lastEnd = n.offset + n.size
		freeBytes += n.size
		freeCount++
		atHead = false

		if freeCount > len(f.nodes) {
			return errors.Errorf("the free range chain has more entries than the %d node slots- it must contain a cycle", len(f.nodes))
		}
	}

	var unusedCount int
	for cur := f.firstUnused; cur != noNode; cur = f.nodes[cur].next {
		unusedCount++
		if unusedCount > len(f.nodes) {
			return errors.Errorf("the unused slot chain has more entries than the %d node slots- it must contain a cycle", len(f.nodes))
		}
	}

	if freeCount+unusedCount != len(f.nodes) {
		return errors.Errorf("%d slots track free ranges and %d are unused, but there are %d slots in total", freeCount, unusedCount, len(f.nodes))
	}

	if freeBytes > uint64(f.totalSize) {
		return errors.Errorf("free ranges sum to %d bytes, which exceeds the %d-byte block", freeBytes, f.totalSize)
	}

	return nil
}

// unlink removes cur from the free chain and returns its slot to the unused
// pool. prev must be cur's predecessor in the chain, or noNode when cur is the
// head.
func (f *Freelist) unlink(prev, cur uint32) {
	if prev == noNode {
		f.head = f.nodes[cur].next
	} else {
		f.nodes[prev].next = f.nodes[cur].next
	}

	f.nodes[cur].next = f.firstUnused
	f.firstUnused = cur
}

// acquireNode pops a slot from the unused pool.
func (f *Freelist) acquireNode() (uint32, error) {
	if f.firstUnused == noNode {
		return noNode, errors.Wrapf(ErrNoSpace, "all %d tracking nodes are in use- the block is too fragmented to record another free range", len(f.nodes))
	}

	index := f.firstUnused
	f.firstUnused = f.nodes[index].next
	return index, nil
}
