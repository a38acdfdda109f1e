package memutils

// Validatable is anything that can run a full consistency check of its own
// internal state. The allocator layers implement it so DebugValidate can sweep
// them in corruption-detecting builds.
type Validatable interface {
	Validate() error
}
