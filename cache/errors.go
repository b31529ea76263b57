package cache

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrKeyNotFound is returned for reads of absent or expired keys.
	ErrKeyNotFound = errors.New("cache: key not found")

	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = errors.New("cache: closed")

	// ErrInvalidOptions marks errors returned by New for unusable Options.
	ErrInvalidOptions = errors.New("cache: invalid options")
)

// ShutdownError reports lanes that did not drain within Options.ShutdownGrace.
type ShutdownError struct {
	Lanes []int
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("cache: %d lane(s) force-stopped: %v", len(e.Lanes), e.Lanes)
}
