package cli

import (
	"fmt"
	"os"

	"github.com/substratehq/engram/internal/compactor"
	"github.com/substratehq/engram/internal/config"
	"github.com/substratehq/engram/internal/embed"
	"github.com/substratehq/engram/internal/lifecycle"
	"github.com/substratehq/engram/internal/provenance"
	"github.com/substratehq/engram/internal/registry"
	"github.com/substratehq/engram/internal/retrieval"
	"github.com/substratehq/engram/internal/session"
	"github.com/substratehq/engram/internal/store"
)

// engine bundles the wired components behind the CLI commands.
type engine struct {
	cfg       config.Config
	db        *store.DB
	registry  *registry.Registry
	ledger    *provenance.Ledger
	index     *retrieval.Index
	claims    *lifecycle.Manager
	sessions  *session.Manager
	compactor *compactor.Compactor
}

// openEngine loads config, opens the database, and wires the components.
// The caller owns eng.db.Close().
func openEngine() (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	reg := registry.Core().Build()
	ledger := provenance.New(db)

	var embedder retrieval.Embedder
	switch cfg.Embedding.Provider {
	case "openai":
		key := cfg.Embedding.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		if key == "" {
			fmt.Fprintln(os.Stderr, "warning: no OpenAI key, falling back to hash embedder")
			embedder = embed.NewHash(0)
		} else {
			embedder = embed.NewOpenAI(key, cfg.Embedding.BaseURL, cfg.Embedding.Model)
		}
	default:
		embedder = embed.NewHash(0)
	}

	index := retrieval.New(db, embedder)
	if err := index.SetWeights(retrieval.Weights{
		Similarity: cfg.Ranking.Similarity,
		Confidence: cfg.Ranking.Confidence,
		Salience:   cfg.Ranking.Salience,
		Recency:    cfg.Ranking.Recency,
	}); err != nil {
		db.Close()
		return nil, err
	}

	claims := lifecycle.New(db, reg, ledger, index)
	sessions := session.NewManager(cfg.Session.ActivatedCap, cfg.Session.MentionCap, cfg.Session.TTL)
	comp := compactor.New(db, ledger, reg, index, claims)
	if cfg.Compactor.Interval > 0 {
		comp.Interval = cfg.Compactor.Interval
	}
	if cfg.Compactor.BatchSize > 0 {
		comp.BatchSize = cfg.Compactor.BatchSize
	}
	comp.DropIndexEntries = cfg.Compactor.DropIndexEntries

	return &engine{
		cfg:       cfg,
		db:        db,
		registry:  reg,
		ledger:    ledger,
		index:     index,
		claims:    claims,
		sessions:  sessions,
		compactor: comp,
	}, nil
}
