package limits

import "errors"

var (
	ErrFailedToComputeRemaining = errors.New("limits: failed to compute remaining quota")
	ErrFailedToRecordUsage      = errors.New("limits: failed to record usage")
)
