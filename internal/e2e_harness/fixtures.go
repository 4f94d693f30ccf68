package e2e_harness

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lychee-technology/feedsync"
)

// SeedCatalog creates a product source table and its website membership table.
// Products 1..5 exist; 1-4 belong to website 1, 2 and 4 also belong to website 2, 5 belongs to none.
func SeedCatalog(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS catalog_product_entity (
  entity_id  BIGINT PRIMARY KEY,
  sku        TEXT NOT NULL,
  name       TEXT,
  price      INTEGER,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		`CREATE TABLE IF NOT EXISTS catalog_product_website (
  product_id BIGINT  NOT NULL,
  website_id INTEGER NOT NULL,
  PRIMARY KEY (product_id, website_id)
);`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	for i := 1; i <= 5; i++ {
		if _, err := db.ExecContext(ctx, `
INSERT INTO catalog_product_entity (entity_id, sku, name, price)
VALUES ($1, $2, $3, $4)
`, i, fmt.Sprintf("SKU-%03d", i), fmt.Sprintf("Product %d", i), 1000*i); err != nil {
			return fmt.Errorf("insert catalog_product_entity: %w", err)
		}
	}

	memberships := [][2]int{{1, 1}, {2, 1}, {2, 2}, {3, 1}, {4, 1}, {4, 2}}
	for _, m := range memberships {
		if _, err := db.ExecContext(ctx, `
INSERT INTO catalog_product_website (product_id, website_id)
VALUES ($1, $2)
`, m[0], m[1]); err != nil {
			return fmt.Errorf("insert catalog_product_website: %w", err)
		}
	}
	return nil
}

// SeededMemberships is the number of feed rows a full reindex of CatalogConfig produces.
const SeededMemberships = 6

// CatalogConfig returns a configuration with one scoped product feed over the seeded tables.
func CatalogConfig() *feedsync.Config {
	cfg := feedsync.DefaultConfig()
	cfg.Sync.DefaultBatchSize = 2
	cfg.Feeds = []feedsync.FeedConfig{{
		Name:         "products",
		EntityType:   "product",
		SourceTable:  "catalog_product_entity",
		SourceKey:    "entity_id",
		FeedTable:    "catalog_product_feed",
		ScopeTable:   "catalog_product_website",
		ScopeField:   "product_id",
		ScopeCode:    "website_id",
		IdentityType: "product",
		ModifiedAt:   "updated_at",
	}}
	return cfg
}
