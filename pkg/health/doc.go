/*
Package health provides health checking for a node's local Xray process.

A Checker implements one way of asking "is the proxy still answering";
Status turns a stream of Check results into a hysteresis-smoothed healthy/
unhealthy verdict so a single dropped probe doesn't trigger a restart.

# Checker

	type Checker interface {
		Check(ctx context.Context) Result
		Type() CheckType
	}

The only Checker xpd ships is GRPCChecker (grpc.go), which calls the local
Xray management API's stats query as a liveness probe - the proxy answering
at all, even with an empty result, is what "healthy" means here. It is used
by pkg/usage.Supervisor, which owns the poll loop, cooldown, and restart
decision; this package only classifies individual probe results.

# Status and hysteresis

	status := health.NewStatus()
	cfg := health.Config{Interval: 10 * time.Second, Timeout: 5 * time.Second, Retries: 3}

	result := checker.Check(ctx)
	status.Update(result, cfg)
	if !status.Healthy {
		// Retries consecutive failures have now been observed.
	}

Retries consecutive failures are required before Healthy flips to false;
a single success immediately flips it back to true. StartPeriod, if set,
suppresses checks entirely for a grace window after NewStatus - useful
right after a restart, before xray has had time to come up.

# See also

  - pkg/usage - owns the probe loop and restart/cooldown policy built on this package
*/
package health
