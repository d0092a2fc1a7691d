// Package config handles configuration loading for agent-relay.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by the .toml
// extension) with environment variable expansion. Missing values get
// defaults; the result is validated before use.
//
// # Configuration File
//
// Locations (in order):
//
//  1. The --config flag
//  2. Path from AGENT_RELAY_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/agent-relay/relay.yaml (~/.config when unset)
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	upstream:
//	  headers:
//	    X-Api-Key: "${UPSTREAM_KEY}"
//
// Unset variables expand to an empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	registry:
//	  retention: "10m"
//	  poll_interval: "100ms"
//
// # Example Configuration
//
//	server:
//	  http_addr: ":8080"
//
//	upstream:
//	  endpoint: "http://localhost:9000/stream"
//	  shape: completions        # completions | a2a
//	  framing: lines            # lines | blocks
//	  timeout: "60s"
//
//	pacing:
//	  min_interval: "20ms"
//
//	registry:
//	  backend: sqlite           # memory | sqlite | badger | none
//	  retention: "10m"
//	  restore_window: "15s"
//	  abort_on_disconnect: false
//
//	database:
//	  path: "~/.local/share/agent-relay/relay.db"
//
//	logging:
//	  level: info
//	  format: text
package config
