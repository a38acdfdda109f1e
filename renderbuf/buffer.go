package renderbuf

import (
	"context"
	"math"
	"sort"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/travisvroman/kohi-sub003/memutils"
	"github.com/travisvroman/kohi-sub003/memutils/freelist"
	"golang.org/x/exp/slog"
)

// Usage identifies what a render buffer holds, which determines how the
// renderer binds it when drawing.
type Usage uint32

const (
	UsageVertex Usage = iota
	UsageIndex
)

var usageMapping = map[Usage]string{
	UsageVertex: "UsageVertex",
	UsageIndex:  "UsageIndex",
}

func (u Usage) String() string {
	str, ok := usageMapping[u]
	if !ok {
		return "unknown Usage"
	}

	return str
}

// RangeHandle identifies a live range within a Buffer.
type RangeHandle uint64

// NoRange is the RangeHandle value that never maps to a live range.
const NoRange RangeHandle = math.MaxUint64

// Config carries the properties a Buffer is created with.
type Config struct {
	// Usage determines how the renderer binds the device buffer this Buffer
	// parcels out.
	Usage Usage
	// TotalSize is the size in bytes of the device buffer.
	TotalSize int
}

type bufferRange struct {
	offset   int
	size     int
	userData any
}

// Buffer parcels out byte ranges of one large externally-created device buffer,
// one Buffer per usage (typically a vertex buffer and an index buffer). The
// device memory itself is created, uploaded, and bound elsewhere- a Buffer only
// decides which offsets hold which geometry and remembers what is live so it
// can be released when the geometry is unloaded. A Buffer is not safe for
// concurrent use.
type Buffer struct {
	logger *slog.Logger

	usage     Usage
	list      *freelist.Freelist
	listNodes []byte

	ranges     *swiss.Map[RangeHandle, *bufferRange]
	nextHandle RangeHandle
}

var _ memutils.Validatable = (*Buffer)(nil)

// New initializes a Buffer parceling out config.TotalSize bytes. Unlike the
// lower allocator layers, a Buffer owns its own tracking storage.
func New(logger *slog.Logger, config Config) (*Buffer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if _, ok := usageMapping[config.Usage]; !ok {
		return nil, errors.Errorf("unknown buffer usage %d", config.Usage)
	}
	if config.TotalSize < 1 {
		return nil, errors.Errorf("invalid buffer size %d: must be at least 1 byte", config.TotalSize)
	}

	nodes := make([]byte, freelist.RequiredStorage(config.TotalSize))
	list, err := freelist.New(logger, config.TotalSize, nodes)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to initialize range tracking for the %s buffer", config.Usage)
	}

	return &Buffer{
		logger:    logger,
		usage:     config.Usage,
		list:      list,
		listNodes: nodes,
		ranges:    swiss.NewMap[RangeHandle, *bufferRange](42),
	}, nil
}

// Usage returns what this buffer holds.
func (b *Buffer) Usage() Usage {
	return b.usage
}

// TotalSize returns the size in bytes of the device buffer.
func (b *Buffer) TotalSize() int {
	return b.list.TotalSize()
}

// FreeSpace returns the number of unreserved bytes in the buffer.
func (b *Buffer) FreeSpace() int {
	return b.list.FreeSpace()
}

// RangeCount returns the number of live ranges.
func (b *Buffer) RangeCount() int {
	return b.ranges.Count()
}

// IsEmpty returns true if no ranges are live.
func (b *Buffer) IsEmpty() bool {
	return b.ranges.Count() == 0
}

// Allocate reserves size bytes of the buffer and returns a handle to the new
// range. userData travels with the range and comes back from RangeInfo-
// renderers use it to tie a range to the geometry uploaded there. Exhaustion
// returns NoRange and an error wrapping ErrNoSpace, leaving the Buffer
// unchanged.
func (b *Buffer) Allocate(size int, userData any) (RangeHandle, error) {
	memutils.DebugValidate(b)

	offset, err := b.list.AllocateBlock(size)
	if err != nil {
		return NoRange, errors.Wrapf(err, "failed to reserve %d bytes of the %s buffer", size, b.usage)
	}

	handle := b.nextHandle
	b.nextHandle++
	b.ranges.Put(handle, &bufferRange{
		offset:   offset,
		size:     size,
		userData: userData,
	})

	return handle, nil
}

// Free releases the range behind handle back to the buffer, merging it with
// neighboring free space. Unknown or already-freed handles are refused with an
// error wrapping ErrBadHandle.
func (b *Buffer) Free(handle RangeHandle) error {
	memutils.DebugValidate(b)

	r, ok := b.ranges.Get(handle)
	if !ok {
		return errors.Wrapf(ErrBadHandle, "handle %d does not map to a live range of the %s buffer", handle, b.usage)
	}

	err := b.list.FreeBlock(r.offset, r.size)
	if err != nil {
		return errors.Wrapf(err, "failed to release the range at offset %d of the %s buffer", r.offset, b.usage)
	}

	b.ranges.Delete(handle)
	return nil
}

// RangeInfo returns the offset, size, and user data of a live range.
func (b *Buffer) RangeInfo(handle RangeHandle) (offset int, size int, userData any, err error) {
	r, ok := b.ranges.Get(handle)
	if !ok {
		return 0, 0, nil, errors.Wrapf(ErrBadHandle, "handle %d does not map to a live range of the %s buffer", handle, b.usage)
	}

	return r.offset, r.size, r.userData, nil
}

// SetRangeUserData replaces the user data carried by a live range.
func (b *Buffer) SetRangeUserData(handle RangeHandle, userData any) error {
	r, ok := b.ranges.Get(handle)
	if !ok {
		return errors.Wrapf(ErrBadHandle, "handle %d does not map to a live range of the %s buffer", handle, b.usage)
	}

	r.userData = userData
	return nil
}

// Clear instantly frees every range, invalidating all outstanding handles.
// Used when a scene's geometry is unloaded wholesale.
func (b *Buffer) Clear() {
	b.list.Clear()
	b.ranges = swiss.NewMap[RangeHandle, *bufferRange](42)
}

// Destroy tears the Buffer down. The caller may release the device buffer once
// Destroy returns nil. If ranges are still live, each one is logged and an
// error is returned without destroying anything.
func (b *Buffer) Destroy() error {
	if b.ranges == nil {
		return errors.New("the buffer was already destroyed")
	}

	if b.ranges.Count() > 0 {
		b.ranges.Iter(func(handle RangeHandle, r *bufferRange) bool {
			b.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed buffer range",
				slog.String("usage", b.usage.String()),
				slog.Uint64("handle", uint64(handle)),
				slog.Int("offset", r.offset),
				slog.Int("size", r.size),
				slog.Any("userData", r.userData),
			)
			return false
		})

		return errors.Errorf("%d ranges of the %s buffer were not freed before its destruction", b.ranges.Count(), b.usage)
	}

	b.list.Destroy()
	b.list = nil
	b.listNodes = nil
	b.ranges = nil
	return nil
}

// AddStatistics sums this Buffer's usage into the provided statistics.
func (b *Buffer) AddStatistics(stats *memutils.Statistics) {
	b.list.AddStatistics(stats)
}

// AddDetailedStatistics sums this Buffer's usage into the provided statistics.
// The range table knows every live range, so allocation size extremes are
// fully populated here, unlike at the freelist layer.
func (b *Buffer) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.AddBlock(b.list.TotalSize())

	b.ranges.Iter(func(handle RangeHandle, r *bufferRange) bool {
		stats.AddAllocation(r.size)
		return false
	})

	_ = b.list.VisitFreeRanges(func(offset, size int) error {
		stats.AddUnusedRange(size)
		return nil
	})
}

// Validate cross-checks the live range table against the freelist. When the
// Buffer is functioning correctly it should not be possible for this method to
// return an error.
func (b *Buffer) Validate() error {
	if b.ranges == nil || b.list == nil {
		return errors.New("the buffer has no range tracking- it was never initialized or has been destroyed")
	}

	var liveBytes int
	var rangeErr error
	b.ranges.Iter(func(handle RangeHandle, r *bufferRange) bool {
		if r.size < 1 {
			rangeErr = errors.Errorf("the range behind handle %d has invalid size %d", handle, r.size)
			return true
		}
		if r.offset < 0 || r.offset+r.size > b.list.TotalSize() {
			rangeErr = errors.Errorf("the range behind handle %d covers [%d, %d), which falls outside the %d-byte buffer",
				handle, r.offset, r.offset+r.size, b.list.TotalSize())
			return true
		}

		liveBytes += r.size
		return false
	})
	if rangeErr != nil {
		return rangeErr
	}

	if liveBytes+b.list.FreeSpace() != b.list.TotalSize() {
		return errors.Errorf("%d live bytes and %d free bytes do not account for the %d-byte buffer", liveBytes, b.list.FreeSpace(), b.list.TotalSize())
	}
	if b.ranges.Count() != b.list.AllocationCount() {
		return errors.Errorf("%d ranges are live, but the freelist reports %d allocations", b.ranges.Count(), b.list.AllocationCount())
	}

	return b.list.Validate()
}

// PrintDetailedMap writes the buffer's full layout to the provided json
// writer: usage, totals, and one entry per range, free and allocated, in
// offset order.
func (b *Buffer) PrintDetailedMap(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	objState.Name("Usage").String(b.usage.String())
	objState.Name("TotalBytes").Int(b.list.TotalSize())
	objState.Name("UnusedBytes").Int(b.list.FreeSpace())
	objState.Name("Allocations").Int(b.ranges.Count())
	objState.Name("UnusedRanges").Int(b.list.FreeRegionsCount())

	type rangeEntry struct {
		offset int
		size   int
		free   bool
	}

	entries := make([]rangeEntry, 0, b.ranges.Count()+b.list.FreeRegionsCount())
	b.ranges.Iter(func(handle RangeHandle, r *bufferRange) bool {
		entries = append(entries, rangeEntry{offset: r.offset, size: r.size})
		return false
	})
	_ = b.list.VisitFreeRanges(func(offset, size int) error {
		entries = append(entries, rangeEntry{offset: offset, size: size, free: true})
		return nil
	})

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].offset < entries[j].offset
	})

	arrayState := objState.Name("Ranges").Array()
	defer arrayState.End()

	for _, entry := range entries {
		obj := arrayState.Object()

		obj.Name("Offset").Int(entry.offset)
		if entry.free {
			obj.Name("Type").String("Free")
		} else {
			obj.Name("Type").String("Allocated")
		}
		obj.Name("Size").Int(entry.size)

		obj.End()
	}
}
