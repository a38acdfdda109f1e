package renderbuf

import (
	"github.com/pkg/errors"

	"github.com/travisvroman/kohi-sub003/memutils/freelist"
)

var (
	// ErrNoSpace is returned when the buffer cannot hold a requested range. It
	// is the freelist sentinel, so errors.Is matches exhaustion reported from
	// either layer.
	ErrNoSpace = freelist.ErrNoSpace

	// ErrBadHandle is returned when an operation names a handle that does not
	// map to a live range- it was never allocated, or was already freed.
	ErrBadHandle = errors.New("handle does not map to a live range")
)
