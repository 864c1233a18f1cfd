// Package catalogsync mirrors the supplier's product feed into the local
// catalog on a fixed interval, so external products stay priced and sellable
// without manual curation.
package catalogsync

import (
	"context"
	"fmt"
	"time"

	domcatalog "github.com/gamekeys/backend/internal/domain/catalog"
	"github.com/gamekeys/backend/internal/infrastructure/supplier"
	"github.com/gamekeys/backend/internal/observability"
)

const defaultInterval = 15 * time.Minute

// Feed lists the supplier's sellable products.
type Feed interface {
	ListProducts(ctx context.Context) ([]supplier.FeedProduct, error)
}

type Job struct {
	feed     Feed
	products domcatalog.ProductRepository
	interval time.Duration
	log      observability.Logger
}

func NewJob(feed Feed, products domcatalog.ProductRepository, interval time.Duration, logger observability.Logger) *Job {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Job{
		feed:     feed,
		products: products,
		interval: interval,
		log:      logger.With(observability.F("component", "catalog_sync")),
	}
}

// Run syncs once immediately, then on every tick until the context ends.
func (j *Job) Run(ctx context.Context) {
	if err := j.SyncOnce(ctx); err != nil {
		j.log.Error("catalog_sync_failed", observability.F("error", err.Error()))
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.SyncOnce(ctx); err != nil {
				j.log.Error("catalog_sync_failed", observability.F("error", err.Error()))
			}
		}
	}
}

// SyncOnce upserts every feed entry as an external product. Products missing
// from the feed keep their last known state; deactivation is a curation
// decision, not a sync one.
func (j *Job) SyncOnce(ctx context.Context) error {
	feed, err := j.feed.ListProducts(ctx)
	if err != nil {
		return fmt.Errorf("catalogsync: fetch feed: %w", err)
	}

	var synced int
	for _, fp := range feed {
		p := &domcatalog.Product{
			ID:                "ext-" + fp.SupplierProductID,
			Name:              fp.Name,
			Price:             fp.Price,
			IsExternal:        true,
			SupplierProductID: fp.SupplierProductID,
			Active:            fp.Stock > 0,
		}
		if err := j.products.Upsert(ctx, p); err != nil {
			j.log.Warn("product_upsert_failed",
				observability.F("supplier_product_id", fp.SupplierProductID),
				observability.F("error", err.Error()),
			)
			continue
		}
		synced++
	}

	j.log.Info("catalog_synced",
		observability.F("feed_size", len(feed)),
		observability.F("synced", synced),
	)
	return nil
}
