package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers return
// these (optionally wrapped) so services can translate them into domain errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist in store
// - ErrConflict: a uniqueness rule refused the write (e.g. a second open session)
// - ErrExpired: session has expired
// - ErrAlreadyUsed: single-use resource (nullifier) already consumed
// - ErrInvalidState: requested transition is not an edge of the state machine
// - ErrStale: compare-and-transition lost; the entity is no longer in the expected state
// - ErrUnavailable: service or resource temporarily unavailable
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrExpired      = errors.New("expired")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrStale        = errors.New("stale transition")
	ErrUnavailable  = errors.New("unavailable")
)
