// Package cli provides the configuration and output helpers of the nexus
// command-line tool.
//
// This package includes:
//   - Configuration management (kubectl-style contexts)
//   - Output formatting (YAML, JSON, jq queries)
//   - Request file loading (YAML/JSON)
//   - Engine-tagged token styling for streamed output
//
// Configuration is stored in ~/.nexus/<app>/config.yaml. Each context names
// a cloud and a local engine plus run defaults.
//
// Example usage:
//
//	cfg, err := cli.LoadConfig("nexus")
//	ctx, err := cfg.ResolveContext("")
//
//	cli.Output(lineage, cli.OutputOptions{
//	    Format: cli.FormatJSON,
//	    Query:  ".envelopes[].hash",
//	})
package cli
