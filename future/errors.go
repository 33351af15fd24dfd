package future

import "errors"

// ErrCancelled is returned by Wait/WaitContext when the future settled as
// Cancelled rather than Resolved or Rejected.
var ErrCancelled = errors.New("future: cancelled")
