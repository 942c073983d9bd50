// Package server hosts the Fiber HTTP service, the request middleware chain and
// the site registry that maps Host headers to configured sites. The proxy
// package plugs a ProxyHandler into NewApp; control routes under /-/ are
// registered separately by internal/server/routes and bypass host lookup.
package server
