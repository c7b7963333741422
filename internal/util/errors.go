package util

import "errors"

// Sentinel errors implementing the taxonomy of spec §7. Components wrap
// these with fmt.Errorf("...: %w", ErrX) so callers can still errors.Is
// against the kind while keeping a human-readable message.
var (
	// ErrInvalid covers bad arguments at process start (e.g. --socket-fd <= 2).
	ErrInvalid = errors.New("invalid argument")

	// ErrInvalidData covers malformed data from an external source (podman
	// JSON missing a required field, unparsable output).
	ErrInvalidData = errors.New("invalid data")

	// ErrClosed is returned when an FD map slot has already been stolen.
	ErrClosed = errors.New("closed")

	// ErrInvalidArgument covers FD-map destination collisions and
	// conflicting cwd values folded between run-context layers.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound covers unknown container ids and a failed
	// find_program_in_path lookup.
	ErrNotFound = errors.New("not found")
)
