// Package errors re-exports the POSIX-style codes from platform/perr under
// shorter names so call sites can write errors.EPROTO instead of perr.EPROTO
// when building an oops error chain.
package errors

import "benchflow/src/platform/perr"

const (
	ECONFIG     = perr.ECONFIG
	EINVAL      = perr.EINVAL
	EPROTO      = perr.EPROTO
	EADDRINUSE  = perr.EADDRINUSE
	EAGAIN      = perr.EAGAIN
	EWOULDBLOCK = perr.EWOULDBLOCK
	EIO         = perr.EIO
	ETIMEDOUT   = perr.ETIMEDOUT
	ECONNRESET  = perr.ECONNRESET
	ENOTCONN    = perr.ENOTCONN
)
