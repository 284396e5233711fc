// Package server hosts the Fiber HTTP service, the request middleware chain and
// the upstream resolver that turns RealHostParam (or the configured default
// origin) into an UpstreamRoute for the range proxy. It also owns the shared
// upstream http.Client. Keep exports narrow and accept explicit dependencies;
// diagnostics endpoints live in the routes subpackage.
package server
