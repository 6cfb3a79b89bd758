package engine

import (
	"io"

	"github.com/rs/zerolog"
)

// CloseQuietly closes c on a best-effort basis. A failure is logged at debug
// level and never returned, so cleanup cannot mask the error that led to it.
// It reports whether the close succeeded.
func CloseQuietly(c io.Closer, log zerolog.Logger, what string) bool {
	if c == nil {
		return true
	}
	if err := c.Close(); err != nil {
		log.Debug().Err(err).Str("resource", what).Msg("best-effort close failed")
		return false
	}
	return true
}
