/*
Package monitoring provides Prometheus metrics collection.

Metrics satisfies the kernel's observer interface, so dispatch,
preemption, deadline-miss, admission, task lifecycle, IPC, and
revocation events feed counters without the kernel importing this
package.

Usage:

	metrics := monitoring.NewMetrics()
	k, _ := kernel.New(cfg, log, metrics)
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
*/
package monitoring
