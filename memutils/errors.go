package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the sentinel wrapped by CheckPow2 failures, so callers
// can match rejected alignments with errors.Is regardless of the value.
var PowerOfTwoError = errors.New("number must be a power of two")
