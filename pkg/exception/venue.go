package exception

import "github.com/yanun0323/errors"

var (
	// ErrReplayMode is returned when live venue I/O is requested while the
	// process runs in replay mode.
	ErrReplayMode = errors.New("venue: live I/O disabled in replay mode")
	ErrNoSymbols  = errors.New("venue: no symbols configured")
)
