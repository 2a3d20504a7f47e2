// Package api serves the cortex HTTP API: memories, queries and their
// attributions, contradictions, provenance and deletions.
package api

// Config is the API server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":8081")
	ListenAddr string

	// DisableMCP leaves the /mcp endpoint without tools.
	DisableMCP bool
}
