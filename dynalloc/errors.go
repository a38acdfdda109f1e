package dynalloc

import (
	"github.com/pkg/errors"

	"github.com/travisvroman/kohi-sub003/memutils/freelist"
)

var (
	// ErrNoSpace is returned when the backing block cannot hold a requested
	// allocation. It is the freelist sentinel, so errors.Is matches exhaustion
	// reported from either layer.
	ErrNoSpace = freelist.ErrNoSpace

	// ErrBadPointer is returned when a freed or queried pointer has no valid
	// allocation header before it: a foreign pointer, a pointer that was
	// already freed, or a header that has been trampled.
	ErrBadPointer = errors.New("pointer does not refer to a live allocation")

	// ErrSizeMismatch is returned by Free when the caller-supplied size does
	// not match the allocation's header, or when an aligned allocation is
	// freed through the unaligned path.
	ErrSizeMismatch = errors.New("free does not match the original allocation")
)
