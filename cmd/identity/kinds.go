package identity

import "errors"

// ErrInvalidInput is the sentinel kind of malformed identity components.
var ErrInvalidInput = errors.New("invalid_input")
