package app

import "errors"

var (
	// ErrNotSignedIn is returned when an operation requires an
	// authenticated user.
	ErrNotSignedIn = errors.New("not signed in")

	// ErrStreamInProgress is returned when a send or chat switch is
	// attempted while a reply is still streaming. State is left unchanged.
	ErrStreamInProgress = errors.New("a reply is still streaming")
)
