package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// DB wraps a sqlx handle bound to one driver
type DB struct {
	*sqlx.DB
}

// Options tune the connection pool
type Options struct {
	MaxOpenConns int
}

// Open connects to the data store. SQLite paths are created when missing.
func Open(driver, dsn string, opts Options) (*DB, error) {
	switch driver {
	case DriverSQLite:
		return openSQLite(dsn)
	case DriverPostgres:
		db, err := sqlx.Connect(DriverPostgres, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if opts.MaxOpenConns > 0 {
			db.SetMaxOpenConns(opts.MaxOpenConns)
			db.SetMaxIdleConns(opts.MaxOpenConns)
		}
		return &DB{db}, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

func openSQLite(path string) (*DB, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sqlx.Open(DriverSQLite, path+sep+"_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection keeps writes queued in Go
	// instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &DB{db}, nil
}

// IsPostgres reports whether the handle talks to PostgreSQL
func (db *DB) IsPostgres() bool {
	return db.DriverName() == DriverPostgres
}

// Migrate applies the schema. Statements are idempotent.
func (db *DB) Migrate() error {
	migrations := []string{
		migrationContactLists,
		migrationContacts,
		migrationEmailAccounts,
		migrationCampaigns,
		migrationCampaignSteps,
		migrationCampaignContacts,
		migrationCampaignEmailAccounts,
		migrationEmailEvents,
		migrationSendCounters,
		migrationIndexDueContacts,
		migrationIndexClaimed,
		migrationIndexEventsContact,
		migrationIndexEventsAccount,
		migrationIndexSteps,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

const migrationContactLists = `
CREATE TABLE IF NOT EXISTS contact_lists (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
)`

const migrationContacts = `
CREATE TABLE IF NOT EXISTS contacts (
	id TEXT PRIMARY KEY,
	list_id TEXT NOT NULL REFERENCES contact_lists(id) ON DELETE CASCADE,
	email TEXT NOT NULL,
	first_name TEXT NOT NULL DEFAULT '',
	last_name TEXT NOT NULL DEFAULT '',
	company TEXT NOT NULL DEFAULT '',
	custom_fields TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMP NOT NULL,
	UNIQUE(list_id, email)
)`

const migrationEmailAccounts = `
CREATE TABLE IF NOT EXISTS email_accounts (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL,
	daily_limit INTEGER NOT NULL DEFAULT 0,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	smtp_host TEXT NOT NULL DEFAULT '',
	smtp_port INTEGER NOT NULL DEFAULT 0,
	smtp_username TEXT NOT NULL DEFAULT '',
	smtp_password TEXT NOT NULL DEFAULT '',
	smtp_security TEXT NOT NULL DEFAULT '',
	oauth_provider TEXT NOT NULL DEFAULT '',
	oauth_refresh_token TEXT NOT NULL DEFAULT '',
	api_key TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
)`

const migrationCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'draft',
	send_schedule TEXT NOT NULL DEFAULT '',
	send_immediately BOOLEAN NOT NULL DEFAULT FALSE,
	daily_limit INTEGER NOT NULL DEFAULT 0,
	list_id TEXT NOT NULL DEFAULT '',
	email_account_id TEXT NOT NULL DEFAULT '',
	from_name TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

const migrationCampaignSteps = `
CREATE TABLE IF NOT EXISTS campaign_steps (
	id TEXT PRIMARY KEY,
	campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
	step_order INTEGER NOT NULL,
	step_type TEXT NOT NULL,
	config TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	UNIQUE(campaign_id, step_order)
)`

const migrationCampaignContacts = `
CREATE TABLE IF NOT EXISTS campaign_contacts (
	id TEXT PRIMARY KEY,
	campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
	contact_id TEXT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
	status TEXT NOT NULL DEFAULT 'in_progress',
	current_step_id TEXT NOT NULL,
	next_send_time TIMESTAMP NOT NULL,
	emails_sent INTEGER NOT NULL DEFAULT 0,
	claimed_at TIMESTAMP,
	claim_token TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(campaign_id, contact_id)
)`

const migrationCampaignEmailAccounts = `
CREATE TABLE IF NOT EXISTS campaign_email_accounts (
	id TEXT PRIMARY KEY,
	campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
	email_account_id TEXT NOT NULL REFERENCES email_accounts(id) ON DELETE CASCADE,
	emails_sent_today INTEGER NOT NULL DEFAULT 0,
	counter_date TEXT NOT NULL DEFAULT '',
	last_used_at TIMESTAMP,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMP NOT NULL,
	UNIQUE(campaign_id, email_account_id)
)`

const migrationEmailEvents = `
CREATE TABLE IF NOT EXISTS email_events (
	id TEXT PRIMARY KEY,
	campaign_id TEXT NOT NULL,
	contact_id TEXT NOT NULL,
	step_id TEXT NOT NULL DEFAULT '',
	email_account_id TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	occurred_at TIMESTAMP NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}'
)`

// send_counters holds one row per scope, scope id and UTC day
const migrationSendCounters = `
CREATE TABLE IF NOT EXISTS send_counters (
	scope TEXT NOT NULL,
	scope_id TEXT NOT NULL,
	day TEXT NOT NULL,
	sent INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (scope, scope_id, day)
)`

const migrationIndexDueContacts = `
CREATE INDEX IF NOT EXISTS idx_campaign_contacts_due ON campaign_contacts(status, next_send_time)`

const migrationIndexClaimed = `
CREATE INDEX IF NOT EXISTS idx_campaign_contacts_claimed ON campaign_contacts(status, claimed_at)`

const migrationIndexEventsContact = `
CREATE INDEX IF NOT EXISTS idx_email_events_contact ON email_events(campaign_id, contact_id, occurred_at)`

const migrationIndexEventsAccount = `
CREATE INDEX IF NOT EXISTS idx_email_events_account ON email_events(email_account_id, event_type, occurred_at)`

const migrationIndexSteps = `
CREATE INDEX IF NOT EXISTS idx_campaign_steps_campaign ON campaign_steps(campaign_id, step_order)`
