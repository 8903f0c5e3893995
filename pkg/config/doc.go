// Package config loads the agentd runtime configuration and the declarative
// agent definitions.
//
// # Overview
//
// Two kinds of configuration exist. The runtime configuration (Runtime)
// describes the daemon itself: the SQLite store, telemetry, supervisor
// restart policy, the HTTP listener and where agent definitions live. It is
// read with viper from agentd.yaml and AGENTD_* environment variables.
//
// Agent definitions describe the agents to run. They are written in YAML,
// JSON or CUE, may be spread over several files and directories, and are
// validated in three passes: struct tags, the built-in CUE agent schema and
// cross-definition checks (unique names, sources and control targets that
// resolve).
//
// # Components
//
// Loader: reads definitions from files and directories, dispatching on the
// file extension, and collects every problem in Definitions.Errors.
//
// CUEParser: parses CUE sources. Files are unified, so one file may declare
// an agent and another refine it. The agents field may be a list or a struct
// keyed by agent name.
//
// SchemaRegistry: compiled CUE schemas used for validation.
//
// Watcher: watches definition paths with fsnotify and hands freshly loaded,
// valid definitions to a reload callback after changes settle.
//
// # Usage Example
//
//	rt, err := config.LoadRuntime("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	defs, err := config.NewLoader().Load(ctx, rt.Agents.Definitions...)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := defs.Err(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Definitions Format
//
//	agents:
//	  - name: Weather
//	    type: manual
//	    schedule: every_1h
//	    options:
//	      payloads:
//	        - city: Oslo
//	  - name: Formatter
//	    type: formatter
//	    sources: [Weather]
//	    options:
//	      instructions:
//	        message: "Weather for {{ city }}"
package config
