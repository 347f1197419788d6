// Package handlers contains the reusable pieces of the HTTP interface:
// health checks and API key authentication.
//
// # Health Checks
//
// The HealthChecker interface allows registering multiple named health checks
// that are executed in parallel:
//
//	checker := handlers.NewCompositeHealthChecker("v1.0.0")
//	checker.AddCheck("store", handlers.NewPingCheck(store))
//	checker.AddCheck("outbox", handlers.NewBacklogCheck(box, 500))
//
//	status := checker.Check(ctx)
//	if !status.Healthy {
//	    log.Warn("health check failed", logger.String("message", status.Message))
//	}
//
// # Authentication
//
// APIKeyAuth compares the presented key against bcrypt hashes, so plaintext
// keys never appear in configuration:
//
//	auth, err := handlers.NewAPIKeyAuth("X-API-Key", cfg.HTTP.APIKeyHashes)
//	router.Use(auth.Middleware())
package handlers
