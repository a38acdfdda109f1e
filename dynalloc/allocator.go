package dynalloc

import (
	"context"
	"fmt"
	"math"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/travisvroman/kohi-sub003/memutils"
	"github.com/travisvroman/kohi-sub003/memutils/freelist"
	"golang.org/x/exp/slog"
)

// maxAlignment is the widest supported allocation alignment. The header
// records the alignment in 16 bits, and nothing in the engine aligns wider
// than a page.
const maxAlignment = 1 << 15

// Allocator hands out individually freeable, optionally aligned allocations
// carved from a single caller-owned block. A header written immediately before
// every returned pointer records the allocation's size and alignment, so
// FreeAligned and SizeAlignment need nothing but the pointer and no side table
// exists. An Allocator is not safe for concurrent use.
type Allocator struct {
	logger *slog.Logger

	list  *freelist.Freelist
	block []byte
}

var _ memutils.Validatable = (*Allocator)(nil)

// HeaderSize returns the per-allocation header overhead in bytes. Callers
// sizing a block for a known workload should budget HeaderSize()+size bytes
// per plain allocation and HeaderSize()+alignment+size bytes per aligned one.
func HeaderSize() int {
	return headerSize
}

// RequiredStorage returns the size in bytes of the buffer New requires to
// manage totalSize bytes of payload: the payload block itself plus the
// freelist node storage placed in front of it.
func RequiredStorage(totalSize int) int {
	return freelist.RequiredStorage(totalSize) + totalSize
}

// New initializes an Allocator managing totalSize bytes of payload memory. The
// storage buffer must be at least RequiredStorage(totalSize) bytes and belongs
// to the Allocator until Destroy: the freelist node pool occupies the front of
// it and the payload block the remainder.
func New(logger *slog.Logger, totalSize int, storage []byte) (*Allocator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if totalSize < 1 {
		return nil, errors.Errorf("invalid block size %d: must be at least 1 byte", totalSize)
	}

	required := RequiredStorage(totalSize)
	if len(storage) < required {
		return nil, errors.Errorf("storage is %d bytes, but a %d-byte allocator requires at least %d bytes", len(storage), totalSize, required)
	}

	nodeBytes := freelist.RequiredStorage(totalSize)
	list, err := freelist.New(logger, totalSize, storage[:nodeBytes])
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize the free range tracker")
	}

	return &Allocator{
		logger: logger,
		list:   list,
		block:  storage[nodeBytes : nodeBytes+totalSize],
	}, nil
}

// TotalSize returns the size in bytes of the managed payload block.
func (a *Allocator) TotalSize() int {
	return a.list.TotalSize()
}

// FreeSpace returns the number of unreserved bytes in the block. The header
// and alignment overhead of live allocations counts as reserved.
func (a *Allocator) FreeSpace() int {
	return a.list.FreeSpace()
}

// AllocationCount returns the number of live allocations.
func (a *Allocator) AllocationCount() int {
	return a.list.AllocationCount()
}

// Allocate reserves size bytes and returns a pointer to them, valid until the
// allocation is freed. Exhaustion returns an error wrapping ErrNoSpace and
// leaves the Allocator unchanged- a full block is an expected outcome, not a
// fault.
func (a *Allocator) Allocate(size int) (unsafe.Pointer, error) {
	return a.AllocateAligned(size, 1)
}

// AllocateAligned reserves size bytes at a pointer that is a multiple of
// alignment, which must be a power of two no wider than maxAlignment. The
// header lands immediately before the returned pointer, however much padding
// the alignment demanded, so the allocation can be freed through FreeAligned
// with no size argument.
func (a *Allocator) AllocateAligned(size, alignment int) (unsafe.Pointer, error) {
	memutils.DebugValidate(a)

	if size < 1 {
		return nil, errors.Errorf("invalid allocation size %d: must be at least 1 byte", size)
	}
	if uint64(size) > math.MaxUint32 {
		return nil, errors.Errorf("invalid allocation size %d: the allocation header records sizes in 32 bits", size)
	}
	err := memutils.CheckPow2(uint(alignment), "allocation alignment")
	if err != nil {
		return nil, err
	}
	if alignment < 1 || alignment > maxAlignment {
		return nil, errors.Errorf("invalid alignment %d: supported alignments are powers of two up to %d", alignment, maxAlignment)
	}

	start, err := a.list.AllocateBlock(totalFor(size, alignment))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to place a %d-byte allocation with alignment %d", size, alignment)
	}

	// Alignment is a property of the returned pointer, not of its offset within
	// the block, so the padding comes from the payload's actual address.
	payloadOffset := start + headerSize
	if alignment > 1 {
		addr := uintptr(unsafe.Pointer(&a.block[0])) + uintptr(payloadOffset)
		if rem := int(addr & uintptr(alignment-1)); rem != 0 {
			payloadOffset += alignment - rem
		}
	}
	writeHeader(a.block, payloadOffset, header{
		size:      uint32(size),
		alignment: uint16(alignment),
		padding:   uint16(payloadOffset - headerSize - start),
	})
	memutils.WriteMagicValue(unsafe.Pointer(&a.block[0]), payloadOffset+size)

	return unsafe.Pointer(&a.block[payloadOffset]), nil
}

// Free releases an allocation made by Allocate. size must be the size the
// allocation was made with: it is cross-checked against the header, and a
// mismatch, a dead pointer, or an allocation that was actually aligned is
// refused with an error, leaving the Allocator unchanged.
func (a *Allocator) Free(p unsafe.Pointer, size int) error {
	memutils.DebugValidate(a)

	payloadOffset, hdr, err := a.resolveHeader(p)
	if err != nil {
		return err
	}

	if int(hdr.size) != size {
		return errors.Wrapf(ErrSizeMismatch, "free of %d bytes at %p, but %d bytes were allocated", size, p, hdr.size)
	}
	if hdr.alignment != 1 {
		return errors.Wrapf(ErrSizeMismatch, "%p was allocated with alignment %d- release it with FreeAligned", p, hdr.alignment)
	}

	return a.release(payloadOffset, hdr)
}

// FreeAligned releases an allocation through its header alone, recovering the
// size and alignment recorded at allocation time. It accepts any live
// allocation regardless of alignment. A pointer without a live header is
// refused with an error wrapping ErrBadPointer, leaving the Allocator
// unchanged- stress scenarios rely on mismatched frees being caught rather
// than absorbed.
func (a *Allocator) FreeAligned(p unsafe.Pointer) error {
	memutils.DebugValidate(a)

	payloadOffset, hdr, err := a.resolveHeader(p)
	if err != nil {
		return err
	}

	return a.release(payloadOffset, hdr)
}

// SizeAlignment recovers the size and alignment an allocation was made with.
// It reads only the header and never mutates the Allocator.
func (a *Allocator) SizeAlignment(p unsafe.Pointer) (size int, alignment int, err error) {
	_, hdr, err := a.resolveHeader(p)
	if err != nil {
		return 0, 0, err
	}

	return int(hdr.size), int(hdr.alignment), nil
}

// Clear instantly frees every live allocation and zeroes the block so that
// stale headers cannot pass validation. Pointers handed out before Clear must
// not be freed after it.
func (a *Allocator) Clear() {
	a.list.Clear()
	for i := range a.block {
		a.block[i] = 0
	}
}

// Validate performs a full consistency check of the underlying freelist. When
// the Allocator is functioning correctly it should not be possible for this
// method to return an error.
func (a *Allocator) Validate() error {
	if a.block == nil {
		return errors.New("the allocator has no backing block- it was never initialized or has been destroyed")
	}

	return a.list.Validate()
}

// AddStatistics sums this Allocator's usage into the provided statistics.
// Header and alignment overhead counts toward the allocated bytes.
func (a *Allocator) AddStatistics(stats *memutils.Statistics) {
	a.list.AddStatistics(stats)
}

// AddDetailedStatistics sums this Allocator's usage into the provided
// statistics, with one unused-range entry per free range.
func (a *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.list.AddDetailedStatistics(stats)
}

// Destroy releases the Allocator's hold on its storage buffer. The caller owns
// the buffer and may dispose of it once Destroy returns; the Allocator must
// not be used again. If allocations are still live, every occupied region is
// logged and an error is returned without destroying anything.
func (a *Allocator) Destroy() error {
	if a.block == nil {
		return errors.New("the allocator was already destroyed")
	}

	if a.list.AllocationCount() > 0 {
		a.logUnreleasedRegions()
		return errors.Errorf("%d allocations were not freed before the destruction of this allocator", a.list.AllocationCount())
	}

	a.list.Destroy()
	a.list = nil
	a.block = nil
	a.logger = nil
	return nil
}

// logUnreleasedRegions logs every occupied region of the block: the gaps
// between free ranges. Neighboring allocations blur into a single region at
// this level, since only the free side of the ledger is known per-range.
func (a *Allocator) logUnreleasedRegions() {
	expected := 0
	_ = a.list.VisitFreeRanges(func(offset, size int) error {
		if offset > expected {
			a.logUnreleasedMemory(expected, offset-expected)
		}
		expected = offset + size
		return nil
	})

	if expected < a.list.TotalSize() {
		a.logUnreleasedMemory(expected, a.list.TotalSize()-expected)
	}
}

func (a *Allocator) logUnreleasedMemory(offset, size int) {
	a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] occupied region",
		slog.Int("offset", offset),
		slog.Int("size", size),
	)
}

// resolveHeader locates p within the block and validates the header
// immediately before it. Every sanity check lives here- the free paths and
// queries must never trust a pointer this Allocator did not hand out.
func (a *Allocator) resolveHeader(p unsafe.Pointer) (int, header, error) {
	if p == nil {
		return 0, header{}, errors.Wrap(ErrBadPointer, "pointer is nil")
	}
	if a.block == nil {
		return 0, header{}, errors.Wrap(ErrBadPointer, "the allocator was never initialized or has been destroyed")
	}

	base := uintptr(unsafe.Pointer(&a.block[0]))
	addr := uintptr(p)
	if addr < base+uintptr(headerSize) || addr >= base+uintptr(len(a.block)) {
		return 0, header{}, errors.Wrapf(ErrBadPointer, "%p is not inside this allocator's block", p)
	}

	payloadOffset := int(addr - base)
	hdr, ok := readHeader(a.block, payloadOffset)
	if !ok {
		return 0, header{}, errors.Wrapf(ErrBadPointer, "no allocation header before %p- the pointer is foreign, was already freed, or its header was trampled", p)
	}

	err := memutils.CheckPow2(uint(hdr.alignment), "header alignment")
	if err != nil || int(hdr.alignment) > maxAlignment {
		return 0, header{}, errors.Wrapf(ErrBadPointer, "the header before %p records impossible alignment %d- it must be corrupt", p, hdr.alignment)
	}
	if int(hdr.padding) >= int(hdr.alignment) {
		return 0, header{}, errors.Wrapf(ErrBadPointer, "the header before %p records %d padding bytes against alignment %d- it must be corrupt", p, hdr.padding, hdr.alignment)
	}

	start := payloadOffset - headerSize - int(hdr.padding)
	if start < 0 || start+totalFor(int(hdr.size), int(hdr.alignment)) > len(a.block) {
		return 0, header{}, errors.Wrapf(ErrBadPointer, "the header before %p describes a reserved range outside the block- it must be corrupt", p)
	}

	return payloadOffset, hdr, nil
}

// release returns an allocation's full reserved range to the freelist and
// stomps its header.
func (a *Allocator) release(payloadOffset int, hdr header) error {
	size := int(hdr.size)

	if memutils.DebugMargin > 0 && !memutils.ValidateMagicValue(unsafe.Pointer(&a.block[0]), payloadOffset+size) {
		panic(fmt.Sprintf("memory corruption detected past the end of the %d-byte allocation at offset %d", size, payloadOffset))
	}

	start := payloadOffset - headerSize - int(hdr.padding)
	err := a.list.FreeBlock(start, totalFor(size, int(hdr.alignment)))
	if err != nil {
		return errors.Wrapf(err, "failed to release the %d-byte allocation at offset %d", size, payloadOffset)
	}

	clearHeader(a.block, payloadOffset)
	return nil
}

// totalFor returns an allocation's reserved size: header, payload, worst-case
// alignment padding, and the debug margin in corruption-detecting builds. Both
// allocation and free derive the reserved range through this one function, so
// the two can never disagree.
func totalFor(size, alignment int) int {
	total := headerSize + size + memutils.DebugMargin
	if alignment > 1 {
		total += alignment
	}

	return total
}
