package store

import (
	"fmt"
	"log/slog"

	"github.com/Aman-CERP/tutosearch/internal/config"
	tserrors "github.com/Aman-CERP/tutosearch/internal/errors"
)

// New opens the backend selected by cfg.Kind. Switching kinds on an existing
// deployment starts from an empty index; a full reindex populates it.
//
// Kind options (aliases in parentheses):
//   - "relational" (sqlite, sqlite_fts): SQLite FTS5, the default
//   - "embedded" (bleve): bleve indexes on local disk
//   - "external" (meilisearch, meili): a Meilisearch service
func New(cfg config.BackendConfig, logger *slog.Logger) (Backend, error) {
	switch config.CanonicalBackend(cfg.Kind) {
	case config.BackendRelational:
		path := cfg.Relational.Path
		if path == ":memory:" {
			path = ""
		}
		return NewSQLiteBackend(path, SQLiteOptions{
			MaxDocumentBytes: cfg.Relational.MaxDocumentBytes,
			CacheMB:          cfg.Relational.CacheMB,
		}, logger)

	case config.BackendEmbedded:
		path := cfg.Embedded.Path
		if cfg.Embedded.InMemory {
			path = ""
		}
		return NewBleveBackend(path, logger)

	case config.BackendExternal:
		if cfg.External.URL == "" {
			return nil, tserrors.ConfigError("backend.external.url is required for the external backend", nil)
		}
		return NewMeiliBackend(MeiliOptions{
			URL:          cfg.External.URL,
			APIKey:       cfg.External.APIKey,
			IndexUID:     cfg.External.IndexUID,
			TaskTimeout:  cfg.External.TaskTimeout,
			PollInterval: cfg.External.PollInterval,
		}, logger), nil

	default:
		return nil, tserrors.New(tserrors.ErrCodeUnknownBackend,
			fmt.Sprintf("unknown backend %q (valid options: embedded, relational, external)", cfg.Kind), nil)
	}
}
