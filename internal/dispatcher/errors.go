package dispatcher

import "errors"

// ErrUnknownConnection means the envelope arrived for a connection the
// registry no longer tracks. The transport treats it as fatal.
var ErrUnknownConnection = errors.New("connection is not registered")
