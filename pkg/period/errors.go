package period

import "errors"

var ErrInvalidDuration = errors.New("invalid calendar duration")
