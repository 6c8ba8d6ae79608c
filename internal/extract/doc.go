// Package extract defines the core types and leaf components of the
// permit extraction pipeline: the proxy rotation pool, the retrying
// HTTP transport with its pool-wide circuit breaker, and the
// interfaces shared across subsystems.
package extract
