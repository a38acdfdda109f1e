package freelist_test

import (
	"bytes"
	"math"
	"math/rand"
	"os"
	"sort"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/travisvroman/kohi-sub003/memutils"
	"github.com/travisvroman/kohi-sub003/memutils/freelist"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func TestFreelistBasicAllocAndFree(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewTextHandler(os.Stdout))
	storage := make([]byte, freelist.RequiredStorage(512))

	list, err := freelist.New(logger, 512, storage)
	require.NoError(t, err)
	require.Equal(t, 512, list.FreeSpace())
	require.Equal(t, 1, list.FreeRegionsCount())
	require.True(t, list.IsEmpty())

	offset, err := list.AllocateBlock(64)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	offset, err = list.AllocateBlock(64)
	require.NoError(t, err)
	require.Equal(t, 64, offset)

	offset, err = list.AllocateBlock(64)
	require.NoError(t, err)
	require.Equal(t, 128, offset)

	require.Equal(t, 320, list.FreeSpace())
	require.Equal(t, 3, list.AllocationCount())

	err = list.FreeBlock(64, 64)
	require.NoError(t, err)
	require.Equal(t, 384, list.FreeSpace())
	require.Equal(t, 2, list.FreeRegionsCount())

	// The freed hole is an exact fit for the same request, so the same offset
	// comes back.
	offset, err = list.AllocateBlock(64)
	require.NoError(t, err)
	require.Equal(t, 64, offset)
	require.Equal(t, 320, list.FreeSpace())
	require.Equal(t, 1, list.FreeRegionsCount())

	err = list.Validate()
	require.NoError(t, err)

	err = list.FreeBlock(0, 64)
	require.NoError(t, err)

	err = list.FreeBlock(64, 64)
	require.NoError(t, err)

	// This one bridges the low free range and the tail, collapsing everything
	// back into a single spanning range.
	err = list.FreeBlock(128, 64)
	require.NoError(t, err)

	require.Equal(t, 512, list.FreeSpace())
	require.Equal(t, 1, list.FreeRegionsCount())
	require.True(t, list.IsEmpty())

	err = list.Validate()
	require.NoError(t, err)
}

func TestFreelistVaryingSizes(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewTextHandler(os.Stdout))
	storage := make([]byte, freelist.RequiredStorage(512))

	list, err := freelist.New(logger, 512, storage)
	require.NoError(t, err)

	offset, err := list.AllocateBlock(64)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	offset, err = list.AllocateBlock(32)
	require.NoError(t, err)
	require.Equal(t, 64, offset)

	offset, err = list.AllocateBlock(64)
	require.NoError(t, err)
	require.Equal(t, 96, offset)

	require.Equal(t, 352, list.FreeSpace())

	err = list.FreeBlock(64, 32)
	require.NoError(t, err)
	require.Equal(t, 384, list.FreeSpace())

	// 64 bytes don't fit the 32-byte hole at offset 64, so the request falls
	// through to the tail range past the allocated region.
	offset, err = list.AllocateBlock(64)
	require.NoError(t, err)
	require.Equal(t, 160, offset)
	require.Equal(t, 320, list.FreeSpace())

	// A request the hole can hold exactly still comes from it, first-fit.
	offset, err = list.AllocateBlock(32)
	require.NoError(t, err)
	require.Equal(t, 64, offset)

	err = list.Validate()
	require.NoError(t, err)
}

func TestFreelistCoalescing(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewTextHandler(os.Stdout))
	storage := make([]byte, freelist.RequiredStorage(512))

	list, err := freelist.New(logger, 512, storage)
	require.NoError(t, err)

	// Fill the block completely so every free range below is explicit.
	for i := 0; i < 8; i++ {
		offset, allocErr := list.AllocateBlock(64)
		require.NoError(t, allocErr)
		require.Equal(t, i*64, offset)
	}
	require.Equal(t, 0, list.FreeSpace())

	// Low neighbor first, then its right neighbor: merges forward.
	err = list.FreeBlock(0, 64)
	require.NoError(t, err)
	err = list.FreeBlock(64, 64)
	require.NoError(t, err)
	require.Equal(t, 1, list.FreeRegionsCount())

	// High neighbor first, then its left neighbor: merges backward.
	err = list.FreeBlock(448, 64)
	require.NoError(t, err)
	err = list.FreeBlock(384, 64)
	require.NoError(t, err)
	require.Equal(t, 2, list.FreeRegionsCount())
	require.Equal(t, 256, list.FreeSpace())

	// Each merged range now holds a single 128-byte allocation.
	offset, err := list.AllocateBlock(128)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	offset, err = list.AllocateBlock(128)
	require.NoError(t, err)
	require.Equal(t, 384, offset)

	require.Equal(t, 0, list.FreeSpace())

	err = list.Validate()
	require.NoError(t, err)
}

func TestFreelistNoSpaceLeavesStateUnchanged(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	storage := make([]byte, freelist.RequiredStorage(512))

	list, err := freelist.New(logger, 512, storage)
	require.NoError(t, err)

	offset, err := list.AllocateBlock(500)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	_, err = list.AllocateBlock(13)
	require.ErrorIs(t, err, freelist.ErrNoSpace)
	require.Equal(t, 12, list.FreeSpace())
	require.Equal(t, 1, list.AllocationCount())

	// A request the remaining tail can hold still succeeds afterward.
	offset, err = list.AllocateBlock(12)
	require.NoError(t, err)
	require.Equal(t, 500, offset)
	require.Equal(t, 0, list.FreeSpace())

	_, err = list.AllocateBlock(1)
	require.ErrorIs(t, err, freelist.ErrNoSpace)
	require.Equal(t, 0, list.FreeSpace())

	err = list.Validate()
	require.NoError(t, err)
}

func TestFreelistInvalidFrees(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	storage := make([]byte, freelist.RequiredStorage(512))

	list, err := freelist.New(logger, 512, storage)
	require.NoError(t, err)

	offset, err := list.AllocateBlock(128)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	err = list.FreeBlock(0, 128)
	require.NoError(t, err)

	// Double free: the range is already free again.
	err = list.FreeBlock(0, 128)
	require.ErrorIs(t, err, freelist.ErrInvalidRange)

	// Partial overlap with free space on either side.
	offset, err = list.AllocateBlock(128)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	err = list.FreeBlock(64, 128)
	require.ErrorIs(t, err, freelist.ErrInvalidRange)
	err = list.FreeBlock(500, 64)
	require.ErrorIs(t, err, freelist.ErrInvalidRange)

	// Outside the block entirely, and a zero-size range.
	err = list.FreeBlock(-64, 64)
	require.ErrorIs(t, err, freelist.ErrInvalidRange)
	err = list.FreeBlock(0, 0)
	require.ErrorIs(t, err, freelist.ErrInvalidRange)

	require.Equal(t, 384, list.FreeSpace())
	require.Equal(t, 1, list.AllocationCount())

	err = list.Validate()
	require.NoError(t, err)
}

func TestFreelistNodeExhaustion(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	storage := make([]byte, freelist.RequiredStorage(512))

	list, err := freelist.New(logger, 512, storage)
	require.NoError(t, err)

	// Fill the block with 4-byte allocations, then free every other pair to
	// carve isolated holes. Each isolated hole costs one tracking node; a
	// 512-byte block lays out 20 of them.
	for i := 0; i < 128; i++ {
		_, allocErr := list.AllocateBlock(4)
		require.NoError(t, allocErr)
	}
	require.Equal(t, 0, list.FreeSpace())

	for i := 0; i < 20; i++ {
		err = list.FreeBlock(i*8, 4)
		require.NoError(t, err)
	}
	require.Equal(t, 80, list.FreeSpace())
	require.Equal(t, 20, list.FreeRegionsCount())

	// The 21st isolated hole has no node left to track it. The free is
	// refused and nothing changes.
	err = list.FreeBlock(20*8, 4)
	require.ErrorIs(t, err, freelist.ErrNoSpace)
	require.Equal(t, 80, list.FreeSpace())
	require.Equal(t, 20, list.FreeRegionsCount())

	validateErr := list.Validate()
	require.NoError(t, validateErr)

	// A free that merges into an existing hole needs no new node and still
	// succeeds.
	err = list.FreeBlock(156, 4)
	require.NoError(t, err)
	require.Equal(t, 84, list.FreeSpace())
	require.Equal(t, 20, list.FreeRegionsCount())

	// Bridging two holes collapses them into one and recycles a node...
	err = list.FreeBlock(4, 4)
	require.NoError(t, err)
	require.Equal(t, 88, list.FreeSpace())
	require.Equal(t, 19, list.FreeRegionsCount())

	// ...which the next isolated free can then use.
	err = list.FreeBlock(200, 4)
	require.NoError(t, err)
	require.Equal(t, 92, list.FreeSpace())
	require.Equal(t, 20, list.FreeRegionsCount())

	err = list.Validate()
	require.NoError(t, err)
}

func TestFreelistClear(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	storage := make([]byte, freelist.RequiredStorage(512))

	list, err := freelist.New(logger, 512, storage)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, allocErr := list.AllocateBlock(32)
		require.NoError(t, allocErr)
	}
	err = list.FreeBlock(32, 32)
	require.NoError(t, err)
	require.Equal(t, 416, list.FreeSpace())

	list.Clear()

	require.Equal(t, 512, list.FreeSpace())
	require.Equal(t, 1, list.FreeRegionsCount())
	require.True(t, list.IsEmpty())

	err = list.Validate()
	require.NoError(t, err)

	offset, err := list.AllocateBlock(512)
	require.NoError(t, err)
	require.Equal(t, 0, offset)
	require.Equal(t, 0, list.FreeSpace())
}

func TestFreelistDetailedStatistics(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewTextHandler(os.Stdout))
	storage := make([]byte, freelist.RequiredStorage(1000))

	list, err := freelist.New(logger, 1000, storage)
	require.NoError(t, err)

	var stats memutils.DetailedStatistics
	stats.Clear()
	list.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, stats)

	offset, err := list.AllocateBlock(100)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	offset, err = list.AllocateBlock(200)
	require.NoError(t, err)
	require.Equal(t, 100, offset)

	err = list.FreeBlock(0, 100)
	require.NoError(t, err)

	stats.Clear()
	list.AddDetailedStatistics(&stats)

	// The freelist tracks how much is allocated but not the size of each
	// allocation, so the allocation extremes stay at their cleared values.
	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 1,
			AllocationBytes: 200,
		},
		UnusedRangeCount:   2,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 100,
		UnusedRangeSizeMax: 700,
	}, stats)

	var flat memutils.Statistics
	flat.Clear()
	list.AddStatistics(&flat)

	require.Equal(t, memutils.Statistics{
		BlockCount:      1,
		BlockBytes:      1000,
		AllocationCount: 1,
		AllocationBytes: 200,
	}, flat)
}

func TestFreelistBlockJson(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	storage := make([]byte, freelist.RequiredStorage(512))

	list, err := freelist.New(logger, 512, storage)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, allocErr := list.AllocateBlock(64)
		require.NoError(t, allocErr)
	}
	err = list.FreeBlock(64, 64)
	require.NoError(t, err)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	list.BlockJsonData(obj)
	obj.End()

	require.NoError(t, writer.Error())
	require.JSONEq(t,
		`{
			"TotalBytes": 512,
			"UnusedBytes": 384,
			"Allocations": 2,
			"UnusedRanges": 2,
			"FreeRanges": [
				{"Offset": 64, "Size": 64},
				{"Offset": 192, "Size": 320}
			]
		}`,
		string(writer.Bytes()))
}

func TestFreelistCreateValidation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))

	_, err := freelist.New(logger, 0, nil)
	require.ErrorContains(t, err, "invalid block size")

	storage := make([]byte, freelist.RequiredStorage(512)-1)
	_, err = freelist.New(logger, 512, storage)
	require.ErrorContains(t, err, "node storage is")
}

func TestFreelistSmallBlockWarning(t *testing.T) {
	var logOutput bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logOutput))

	// The tracking pool never shrinks below its floor, so a tiny block costs
	// more to track than it holds. That warns but still works.
	storage := make([]byte, freelist.RequiredStorage(64))
	list, err := freelist.New(logger, 64, storage)
	require.NoError(t, err)
	require.Contains(t, logOutput.String(), "tracking nodes occupy more memory")

	offset, err := list.AllocateBlock(64)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	logOutput.Reset()
	storage = make([]byte, freelist.RequiredStorage(4096))
	_, err = freelist.New(logger, 4096, storage)
	require.NoError(t, err)
	require.Empty(t, logOutput.String())
}

func TestFreelistRandomOperations(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))

	const totalSize = 65536
	storage := make([]byte, freelist.RequiredStorage(totalSize))

	list, err := freelist.New(logger, totalSize, storage)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	live := make(map[int]int)
	liveBytes := 0

	for i := 0; i < 2000; i++ {
		// Bias toward freeing once a couple hundred allocations are live, so
		// the tracking pool is never a factor.
		doFree := len(live) > 0 && (len(live) >= 200 || rng.Intn(2) == 1)

		if doFree {
			offsets := make([]int, 0, len(live))
			for offset := range live {
				offsets = append(offsets, offset)
			}
			sort.Ints(offsets)
			offset := offsets[rng.Intn(len(offsets))]

			freeErr := list.FreeBlock(offset, live[offset])
			require.NoError(t, freeErr, "step %d: free of %d bytes at offset %d failed", i, live[offset], offset)

			liveBytes -= live[offset]
			delete(live, offset)
		} else {
			size := 1 + rng.Intn(256)
			offset, allocErr := list.AllocateBlock(size)
			if allocErr != nil {
				require.ErrorIs(t, allocErr, freelist.ErrNoSpace, "step %d", i)
				continue
			}

			_, collision := live[offset]
			require.False(t, collision, "step %d: offset %d returned twice", i, offset)

			live[offset] = size
			liveBytes += size
		}

		require.Equal(t, totalSize-liveBytes, list.FreeSpace(), "step %d: conservation broken", i)
		require.Equal(t, len(live), list.AllocationCount(), "step %d", i)

		validateErr := list.Validate()
		require.NoError(t, validateErr, "step %d", i)
	}

	// Release everything that is still live and the list must collapse back
	// to a single spanning range.
	offsets := make([]int, 0, len(live))
	for offset := range live {
		offsets = append(offsets, offset)
	}
	sort.Ints(offsets)

	for _, offset := range offsets {
		err = list.FreeBlock(offset, live[offset])
		require.NoError(t, err)
	}

	require.Equal(t, totalSize, list.FreeSpace())
	require.Equal(t, 1, list.FreeRegionsCount())
	require.True(t, list.IsEmpty())

	err = list.Validate()
	require.NoError(t, err)
}
