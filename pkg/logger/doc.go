// Package logger builds the slog.Logger shared by every quotakit component.
//
// New applies functional options on top of JSON output at info level.
// WithEnvironment switches to text at debug level for development and adds
// service and env attributes; FromConfig derives options from Config, which
// is loaded from APP_NAME, APP_ENV, LOG_LEVEL and LOG_FORMAT.
//
// Context extractors add request-scoped attributes at log time:
//
//	log := logger.New(
//		logger.WithEnvironment(cfg.Env, cfg.Service),
//		logger.WithContextValue("request_id", requestIDKey{}),
//	)
//
// The attribute helpers (UserID, SubscriptionID, Provider, TransactionID,
// Kind, Error) keep log keys consistent across packages.
package logger
