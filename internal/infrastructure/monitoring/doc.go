/*
Package monitoring provides metrics collection for a simulated machine.

# Overview

Metrics are Prometheus collectors registered on a registry private to each
Metrics value. The kernel records env lifecycle, syscalls, page faults and
IPC traffic; the inspection server records HTTP requests.

# Usage

	metrics := monitoring.NewMetrics()
	k.WithMetrics(metrics)

	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

A nil *Metrics is valid and records nothing.
*/
package monitoring
