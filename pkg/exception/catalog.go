package exception

import "github.com/yanun0323/errors"

var (
	ErrSessionNotFound  = errors.New("catalog: session not found")
	ErrSessionMismatch  = errors.New("catalog: session does not match replay")
	ErrUnsupportedStore = errors.New("catalog: unsupported dsn")
)
