package client

import (
	"errors"
	"fmt"
)

// Error classes. Returned errors wrap one of these together with the cause,
// so both can be matched with errors.Is.
var (
	// ErrConfig reports missing or malformed startup parameters.
	ErrConfig = errors.New("configuration error")
	// ErrConnect reports that the peer could not be reached.
	ErrConnect = errors.New("connection error")
	// ErrValidation reports caller misuse. Connection state is unaffected.
	ErrValidation = errors.New("validation error")
	// ErrState reports an operation invalid for the current lifecycle state.
	ErrState = errors.New("state error")
	// ErrIO reports a transport failure during handshake, receive or send.
	ErrIO = errors.New("i/o error")

	// ErrAlreadyClosed is returned by Close after the connection was released.
	ErrAlreadyClosed = fmt.Errorf("%w: connection already closed", ErrState)
)
