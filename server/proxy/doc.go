// Package proxy selects and dials the upstream IMAP servers behind the
// connection cache.
//
// Addresses come from configuration and may be expanded by resolving host
// names. Each new upstream connection either uses the first healthy address
// or, with round robin enabled, the next one in turn:
//
//	Acquirer → ConnectionManager.Dial → upstream server
//
// A backend that refuses three connections in a row is skipped for a minute
// (see pkg/circuitbreaker). When every backend is marked unhealthy the
// preferred one is tried anyway.
//
// # Usage
//
//	cm, err := proxy.NewConnectionManagerFromConfig(&cfg.Upstream)
//	if err != nil {
//		return err
//	}
//	conn, backend, err := cm.Dial(ctx)
package proxy
