package recovery

import "errors"

// ErrNotRecoverable means the user's latest attempt for the group reached a
// final status and the retake policy does not allow starting over.
var ErrNotRecoverable = errors.New("latest assessment is final and cannot be resumed")
