// Package compactor is the phase-2 half of the staleness protocol: an
// idempotent background worker that recomputes stale derived entities,
// re-registers their provenance, and only then clears the stale flag.
// Its failures degrade freshness, never correctness: phase-1 marks are
// never rolled back.
package compactor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/substratehq/engram/internal/lifecycle"
	"github.com/substratehq/engram/internal/model"
	"github.com/substratehq/engram/internal/provenance"
	"github.com/substratehq/engram/internal/registry"
	"github.com/substratehq/engram/internal/retrieval"
	"github.com/substratehq/engram/internal/store"
)

// Compactor drains the stale queue.
type Compactor struct {
	db        *store.DB
	ledger    *provenance.Ledger
	registry  *registry.Registry
	index     *retrieval.Index
	lifecycle *lifecycle.Manager

	limiter *rate.Limiter

	// Interval and BatchSize may be adjusted before Start.
	Interval  time.Duration
	BatchSize int

	// DropIndexEntries removes the retrieval projection of claims retracted
	// under the deletion guarantee instead of leaving a demoted row behind.
	DropIndexEntries bool

	// OnCompacted, when set, is invoked after a pass that refreshed at
	// least one entity, so affected sessions can bump their epoch.
	OnCompacted func(refreshed []string)

	stopCh chan struct{}
}

// New creates a Compactor. The limiter bounds recompute throughput so a
// large edit burst cannot starve the embedding service.
func New(db *store.DB, ledger *provenance.Ledger, reg *registry.Registry, index *retrieval.Index, lm *lifecycle.Manager) *Compactor {
	return &Compactor{
		db:        db,
		ledger:    ledger,
		registry:  reg,
		index:     index,
		lifecycle: lm,
		limiter:   rate.NewLimiter(rate.Limit(20), 5),
		Interval:  time.Minute,
		BatchSize: 100,

		DropIndexEntries: true,

		stopCh: make(chan struct{}),
	}
}

// Start runs an immediate pass and then one per interval until Stop.
func (c *Compactor) Start() {
	if n, err := c.RunOnce(context.Background()); err != nil {
		log.Printf("compactor: %v", err)
	} else if n > 0 {
		log.Printf("compactor: refreshed %d entities", n)
	}

	go func() {
		ticker := time.NewTicker(c.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n, err := c.RunOnce(context.Background()); err != nil {
					log.Printf("compactor: %v", err)
				} else if n > 0 {
					log.Printf("compactor: refreshed %d entities", n)
				}
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop shuts down the background loop.
func (c *Compactor) Stop() {
	close(c.stopCh)
}

// RunOnce drains up to one batch of stale entities. Each entity is retried
// with bounded exponential backoff; entities that still fail stay stale
// and are retried on the next pass. Idempotent.
func (c *Compactor) RunOnce(ctx context.Context) (int, error) {
	stale, err := c.ledger.ListStale(c.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale: %w", err)
	}

	var refreshed []string
	for _, d := range stale {
		if err := c.limiter.Wait(ctx); err != nil {
			return len(refreshed), err
		}
		if err := retryBackoff(ctx, 3, 250*time.Millisecond, func() error {
			return c.recompute(ctx, d)
		}); err != nil {
			log.Printf("compactor: recompute %s: %v", d.EntityID, err)
			continue
		}
		refreshed = append(refreshed, d.EntityID)
	}

	if len(refreshed) > 0 && c.OnCompacted != nil {
		c.OnCompacted(refreshed)
	}
	return len(refreshed), nil
}

// recompute rebuilds one derived entity from its surviving sources.
func (c *Compactor) recompute(ctx context.Context, d store.Derivation) error {
	switch d.EntityType {
	case "CLAIM":
		return c.recomputeClaim(ctx, d.EntityID)
	default:
		// Non-claim derivations (turns, summaries) are owned by their own
		// pipelines; refreshing the ledger entry against current sources
		// is all the core does for them.
		return c.refreshLedger(d.EntityID, d.EntityType)
	}
}

func (c *Compactor) recomputeClaim(ctx context.Context, claimID string) error {
	claim, err := c.db.GetClaim(claimID)
	if err != nil {
		return err
	}
	if claim == nil {
		return fmt.Errorf("claim %s: %w", claimID, model.ErrNotFound)
	}

	// Drop evidence whose source was deleted. If nothing survives, the
	// belief has no ground truth left: retract it rather than re-expose it.
	survivors, err := c.survivingEvidence(claim.EvidenceTurnIDs)
	if err != nil {
		return err
	}
	if len(survivors) == 0 {
		if err := c.lifecycle.Retract(claimID, "all source evidence deleted"); err != nil {
			return err
		}
		// The retracted claim is no longer derived content to keep fresh.
		if err := c.ledger.RecordDerivation(claimID, "CLAIM", nil, "retracted"); err != nil {
			return err
		}
		if !c.DropIndexEntries {
			return nil
		}
		return c.db.DeleteIndexRow(claimID)
	}

	refs, version, err := c.ledger.EvidenceRefs(survivors)
	if err != nil {
		return err
	}
	if err := c.ledger.RecordDerivation(claimID, "CLAIM", refs, version); err != nil {
		return err
	}

	// Re-project with the refreshed provenance (and backfill the vector).
	claim, err = c.db.GetClaim(claimID)
	if err != nil {
		return err
	}
	def, err := c.registry.Resolve(claim.Predicate)
	if err != nil {
		return err
	}
	return c.index.ProjectClaim(ctx, claim, def)
}

func (c *Compactor) survivingEvidence(turnIDs []string) ([]string, error) {
	var out []string
	for _, id := range turnIDs {
		src, err := c.db.GetSource(id)
		if err != nil {
			return nil, err
		}
		if src != nil && !src.Deleted {
			out = append(out, id)
		}
	}
	return out, nil
}

// refreshLedger re-pins a derivation to the current revision of each
// surviving source. The queue carries entries without their edges, so the
// full ledger entry is loaded here before re-deriving.
func (c *Compactor) refreshLedger(entityID, entityType string) error {
	d, err := c.db.GetDerivation(entityID)
	if err != nil {
		return err
	}
	var ids []string
	for _, ref := range d.Sources {
		src, err := c.db.GetSource(ref.SourceID)
		if err != nil {
			return err
		}
		if src != nil && !src.Deleted {
			ids = append(ids, ref.SourceID)
		}
	}
	refs, version, err := c.ledger.CurrentRefs(ids)
	if err != nil {
		return err
	}
	return c.ledger.RecordDerivation(entityID, entityType, refs, version)
}

// retryBackoff runs fn up to attempts times, doubling the delay after each
// failure.
func retryBackoff(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var errs []error
	for i := 0; i < attempts; i++ {
		if err := fn(); err != nil {
			errs = append(errs, err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			continue
		}
		return nil
	}
	return errors.Join(errs...)
}
