package assign

import "errors"

// ErrOwnedByOther is returned when an open targets a locker held by a
// different identity.
var ErrOwnedByOther = errors.New("assign: locker held by another identity")
