package provider

import "errors"

var (
	ErrChargeDeclined      = errors.New("provider: charge declined")
	ErrProviderUnreachable = errors.New("provider: unreachable")
	ErrInvalidSignature    = errors.New("provider: invalid signature")
	ErrInvalidPayload      = errors.New("provider: invalid payload")
	ErrUserMismatch        = errors.New("provider: purchase belongs to another user")
	ErrUnknownProvider     = errors.New("provider: unknown provider")
	ErrDuplicateProvider   = errors.New("provider: duplicate codename")
	ErrNotSupported        = errors.New("provider: capability not supported")
)
