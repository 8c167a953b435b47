package healthprobe

import "errors"

// ErrProviderUnavailable is wrapped by Check's probe failures, so callers
// can match it with errors.Is; a failure to write the health cache is
// returned without it.
var ErrProviderUnavailable = errors.New("provider unavailable")
