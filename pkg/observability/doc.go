// Package observability provides structured JSON logging for the federation
// services.
//
// # Structured Logging
//
// Create a logger:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("provider", "okta").Info("login started")
//
// Attach errors and field sets:
//
//	logger.WithError(err).Warn("token exchange failed")
//	logger.WithFields(map[string]interface{}{"provider": "azure", "reason": "nonce_mismatch"}).Warn("login rejected")
//
// # Context Propagation
//
// Request-scoped loggers travel on the context:
//
//	ctx = observability.WithLogger(ctx, logger)
//	ctx = observability.WithRequestID(ctx, reqID)
//	observability.FromContext(ctx).Info("handled")
package observability
