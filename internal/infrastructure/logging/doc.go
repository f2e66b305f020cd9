// Package logging provides structured logging using uber/zap.
//
// Two modes: production (JSON to stdout, stacktraces off) and
// development (colored console). Kernel subsystems receive the
// embedded *zap.Logger; dispatch and interrupt paths never log.
//
// Example:
//
//	logger := logging.NewDefault()
//	logger.Info("kernel booted", zap.Int("cores", 4))
package logging
