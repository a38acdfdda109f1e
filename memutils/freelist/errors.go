package freelist

import "github.com/pkg/errors"

var (
	// ErrNoSpace is returned when no free range can hold a requested allocation,
	// or when the tracking node pool has no slot left to record a new free
	// range. Running out of space is an expected outcome, not a fault: callers
	// test for it with errors.Is and decide for themselves whether it is fatal.
	ErrNoSpace = errors.New("insufficient free space")

	// ErrInvalidRange is returned when a freed range does not correspond to a
	// live allocation- it overlaps free memory, falls outside the block, or has
	// no size. Accepting such a range would corrupt the free-space accounting,
	// so the operation is refused instead.
	ErrInvalidRange = errors.New("range is not a live allocation")
)
