// Package nullifier records spent proof nullifiers. A nullifier is reserved
// at most once, ever, so a proof cannot verify two sessions.
package nullifier

import (
	"onchainkyc/pkg/platform/sentinel"
)

// ErrAlreadyConsumed is returned by ReserveIfUnused when the nullifier is
// already held. The existing record is returned alongside it.
var ErrAlreadyConsumed = sentinel.ErrAlreadyUsed

// ErrNotFound is returned by Find for unknown nullifiers.
var ErrNotFound = sentinel.ErrNotFound
