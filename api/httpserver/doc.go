// Package httpserver provides the HTTP server shared by the router and shard
// binaries.
//
// BaseServer wires chi with request ids, panic recovery and structured
// request logging, and adds the standard operational endpoints:
//
//   - /livez: the process is up
//   - /readyz: not drained and the optional ReadinessCheck passes
//   - /drain, /undrain: toggle readiness ahead of a shutdown
//
// Components implement RouteRegistrar to mount their own routes. A
// prometheus endpoint is served on a separate address when MetricsAddr is
// set.
//
//	srv, err := httpserver.New(cfg, shardHandler)
//	if err != nil {
//	    return err
//	}
//	srv.RunInBackground()
//	defer srv.Shutdown()
package httpserver
