package pg

import (
	"fmt"

	"github.com/nextlevelbuilder/convoy/internal/store"
)

// NewPGStores creates the Postgres-backed store set: session history, the
// configured MCP servers, and the builtin tool registry.
func NewPGStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	return &store.Stores{
		Sessions:     NewPGSessionStore(db),
		MCP:          NewPGMCPServerStore(db, cfg.EncryptionKey),
		BuiltinTools: NewPGBuiltinToolStore(db),
	}, nil
}
