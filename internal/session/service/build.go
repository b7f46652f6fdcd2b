package service

import (
	"net/http"

	"news-integrity/client/internal/api"
	"news-integrity/client/internal/config"
	"news-integrity/client/internal/fallback"
	"news-integrity/client/internal/security"
	"news-integrity/client/internal/session/repository"
	"news-integrity/client/internal/store"
	"news-integrity/client/internal/token"
	"news-integrity/client/internal/transport"
)

// Build assembles a Manager and its full collaborator graph from config.
// STORE_PATH selects the durable file store; empty keeps everything
// in-memory for the life of the process. The manager doubles as the
// transport's token source, so the HTTP client is wired after the manager
// exists.
func Build(cfg *config.Config) (*Manager, error) {
	var kv store.Store
	if cfg.StorePath != "" {
		fs, err := store.NewFileStore(cfg.StorePath)
		if err != nil {
			return nil, err
		}
		kv = fs
	} else {
		kv = store.NewMemoryStore()
	}

	repo := repository.New(kv)
	codec := token.NewCodec(cfg.ExpiryLeeway())
	hasher := security.NewHasher(cfg.BcryptCost)
	fb := fallback.New(repo, hasher, cfg.SessionTTL(), cfg.FallbackGuestEnabled)

	m := NewManager(nil, repo, codec, hasher, fb, NewNotifier(), cfg.RefreshMaxAttempts)

	httpc := &http.Client{Timeout: cfg.Timeout()}
	policy := transport.RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.BaseDelay(),
		MaxDelay:    cfg.MaxDelay(),
	}
	t := transport.NewClient(cfg.APIBaseURL, httpc, m, policy)
	m.api = api.New(t)

	return m, nil
}
