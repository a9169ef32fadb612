package jobs

import "errors"

var (
	ErrJobAlreadyRegistered = errors.New("job already registered")
	ErrNoJobs               = errors.New("runner has no registered jobs")
	ErrUnknownJob           = errors.New("unknown job")
	ErrInvalidJob           = errors.New("job requires a name, a schedule and a function")
)
