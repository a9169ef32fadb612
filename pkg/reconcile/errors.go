package reconcile

import "errors"

var (
	ErrUnresolvableRenewal = errors.New("reconcile: original transaction is unknown")
	ErrUnknownUser         = errors.New("reconcile: purchase is not linked to a user")
	ErrUnknownTransaction  = errors.New("reconcile: transaction is unknown")
	ErrUnknownProduct      = errors.New("reconcile: product is not mapped to a plan")
	ErrInvalidEvent        = errors.New("reconcile: event is missing a transaction id")
)
