package models

import "errors"

// ErrNotFound is returned by ledger lookups for unknown job ids. The
// HTTP layer maps it to 401 alongside bad tokens, so callers cannot
// probe for job existence.
var ErrNotFound = errors.New("job not found")
