package store

// Stores is the top-level container for the storage backends the
// orchestration core actually depends on: session history, the
// builtin tool registry, and configured MCP servers. A single
// static-config gateway has no multi-tenant agent/team/pairing/channel-
// instance store surface to own.
type Stores struct {
	Sessions     SessionStore
	MCP          MCPServerStore
	BuiltinTools BuiltinToolStore
}

// StoreConfig parameterizes construction of a Postgres-backed Stores set.
type StoreConfig struct {
	PostgresDSN   string
	EncryptionKey string // encrypts MCP server credentials at rest
}
