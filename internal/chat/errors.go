package chat

import "errors"

// Domain errors. Every rejected operation surfaces one of these (or a
// wrapped store error); nothing in this core retries internally.
var (
	// ErrRoomNotFound: the room key is absent or its TTL has elapsed.
	ErrRoomNotFound = errors.New("room not found")

	// ErrRoomFull: admission denied because the active-member count is
	// already at the cap.
	ErrRoomFull = errors.New("room full")

	// ErrUnauthorized: missing, invalid, or unbound membership token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrMessageNotFound: no message with the given id in the room.
	ErrMessageNotFound = errors.New("message not found")

	// ErrNotOwner: a delete was attempted by a token that does not own
	// the message.
	ErrNotOwner = errors.New("not the message owner")

	// ErrInvalidInput: a request body failed validation (length bounds,
	// unknown action, missing field).
	ErrInvalidInput = errors.New("invalid input")
)
