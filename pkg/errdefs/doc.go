// Package errdefs defines the error kinds the orchestration core surfaces.
// Commands recover only ErrConflict internally; everything else propagates
// to the caller or, in background loops, is logged and the loop moves on.
package errdefs
