// Package logger builds the zap logger shared by every component.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	log.Info("Pool started", zap.Int("max_instances", 8))
package logger
