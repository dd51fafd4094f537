/*
Package log provides structured logging for xpd using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level.

# Usage

Initializing the logger, once, in cmd/xpd/main.go:

	import "github.com/nodeplane/xpd/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("cluster initialized")
	log.Debug("checking node status")
	log.Warn("quota poll took longer than expected")
	log.Error("failed to connect to local xray instance")
	log.Fatal("cannot start without cluster ca") // exits process

Component loggers, one per subsystem, created once and stored on the
subsystem's struct (see pkg/reconciler, pkg/quota, pkg/usage,
pkg/apiserver for the pattern):

	reconcilerLog := log.WithComponent("reconciler")
	reconcilerLog.Info().Str("endpoint_id", ep.ID).Msg("inbound applied")

Context helpers for the two resources most often logged about outside
their owning subsystem:

	nodeLog := log.WithNodeID("node-abc123")
	nodeLog.Info().Msg("node joined cluster")

	endpointLog := log.WithEndpointID("ep-xyz789")
	endpointLog.Info().Msg("inbound rebuilt")

	grantLog := log.WithGrantID("grant-def456")
	grantLog.Warn().Msg("grant banned for quota violation")

# Log levels

Debug is for development and reconciliation-loop detail (desired vs.
observed diffs); Info is the default production level (endpoint/grant
lifecycle, raft leadership changes, join events); Warn covers conditions
that may need attention (a node's proxy health check failing, quota
divergence detected); Error covers failed operations (xray RPC failure,
raft apply rejected); Fatal is reserved for startup failures that leave
the process unable to do anything useful.

# Log content and security

Never log plaintext credentials: VLESS/SS2022 passwords, admin tokens,
join tokens, and CA private key material never appear in a log line -
log the owning grant/node/endpoint ID instead. Use .Err() for error
values rather than string-concatenating them, both for stack-adjacent
context and to avoid log injection from error text that embeds
unsanitized input.

# See also

  - Zerolog documentation: https://github.com/rs/zerolog
*/
package log
