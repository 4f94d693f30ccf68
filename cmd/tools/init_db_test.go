package main

import (
	"bytes"
	"flag"
	"strings"
	"testing"

	"github.com/lychee-technology/feedsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInitDBFlags(t *testing.T) {
	var out bytes.Buffer
	opts, err := parseInitDBFlags([]string{"-config", "feeds.yaml", "-db-host", "db", "-db-port", "6543", "-dry-run"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "feeds.yaml", opts.configPath)
	assert.Equal(t, "db", opts.host)
	assert.Equal(t, 6543, opts.port)
	assert.True(t, opts.dryRun)

	_, err = parseInitDBFlags([]string{"-h"}, &out)
	assert.ErrorIs(t, err, flag.ErrHelp)
	assert.Contains(t, out.String(), "Usage: feedsync-tools init-db")
}

func TestApplyDatabaseOverrides(t *testing.T) {
	db := feedsync.DefaultConfig().Database
	applyDatabaseOverrides(&db, initDBOptions{host: "db.internal", user: "sync", sslMode: "require"})

	assert.Equal(t, "db.internal", db.Host)
	assert.Equal(t, 5432, db.Port)
	assert.Equal(t, "sync", db.Username)
	assert.Equal(t, "require", db.SSLMode)
	assert.Equal(t, "feedsync", db.Database)
}

func TestConfigStatementsCoverEngineAndFeedTables(t *testing.T) {
	cfg := feedsync.DefaultConfig()
	cfg.Feeds = []feedsync.FeedConfig{{
		Name:        "categories",
		SourceTable: "catalog_category_entity",
		SourceKey:   "entity_id",
		FeedTable:   "catalog_category_feed",
	}}

	stmts, err := configStatements(cfg)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, printStatements(&out, stmts))
	ddl := out.String()
	for _, table := range []string{"feedsync_identity", "feedsync_lock_holder", "feedsync_checkpoint", "feedsync_changelog", "catalog_category_feed"} {
		assert.Contains(t, ddl, "-- "+table+"\n")
	}
	assert.Contains(t, ddl, `CREATE TABLE IF NOT EXISTS "catalog_category_feed"`)
	assert.Equal(t, len(stmts), strings.Count(ddl, ";\n\n"))
}

func TestConfigStatementsRejectsInvalidFeed(t *testing.T) {
	cfg := feedsync.DefaultConfig()
	cfg.Feeds = []feedsync.FeedConfig{{Name: "broken", SourceKey: "entity_id", FeedTable: "broken_feed"}}

	_, err := configStatements(cfg)
	require.Error(t, err)
	assert.ErrorContains(t, err, "source table is required")
}
