package nxjit

import "errors"

var (
	// ErrUnreadable means the first instruction of a region couldn't be
	// read or decoded.
	ErrUnreadable = errors.New("unreadable instruction")

	// ErrTranslate means an instruction has no equivalent encoding at a
	// new address.
	ErrTranslate = errors.New("unable to translate instruction")

	// ErrNoCode is returned when a translation produced nothing to place.
	ErrNoCode = errors.New("no code generated")

	// ErrNoMemory means no executable memory could be mapped within rel32
	// reach of the source address.
	ErrNoMemory = errors.New("no executable memory within range")

	// ErrRelocate means the generated code couldn't be fixed up for the
	// address it was given.
	ErrRelocate = errors.New("relocation failed")

	// ErrBadImage means the headers of a loaded module couldn't be parsed.
	ErrBadImage = errors.New("bad module image")

	// ErrUnsupported is returned by operations that have no implementation
	// on this platform.
	ErrUnsupported = errors.New("not supported on this platform")
)
