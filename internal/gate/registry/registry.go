package registry

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// LinkRegistry provides durable subscriber-link records backed by SQLite.
// Records are never hard-deleted; they represent a historical billing
// relationship even after cancellation.
type LinkRegistry struct {
	db *sql.DB
}

// NewLinkRegistry opens (or creates) the link registry database in dir.
func NewLinkRegistry(dir string) (*LinkRegistry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	dbPath := filepath.Join(dir, "links.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open link registry db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := &LinkRegistry{db: db}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *LinkRegistry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscriber_links (
		stripe_customer_id TEXT PRIMARY KEY,
		discord_user_id    TEXT NOT NULL DEFAULT '',
		last_known_status  TEXT NOT NULL DEFAULT 'unknown',
		last_known_tier    TEXT NOT NULL DEFAULT '',
		created_at         INTEGER NOT NULL,
		updated_at         INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_links_discord_user_id
		ON subscriber_links(discord_user_id) WHERE discord_user_id != '';
	CREATE INDEX IF NOT EXISTS idx_links_status ON subscriber_links(last_known_status);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("init link registry schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (r *LinkRegistry) Ping() error {
	return r.db.Ping()
}

// Close closes the underlying database connection.
func (r *LinkRegistry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Get retrieves a link record by Stripe customer ID. Returns (nil, nil) when
// no record exists.
func (r *LinkRegistry) Get(customerID string) (*Link, error) {
	row := r.db.QueryRow(`SELECT
		stripe_customer_id, discord_user_id, last_known_status, last_known_tier,
		created_at, updated_at
		FROM subscriber_links WHERE stripe_customer_id = ?`, customerID)
	return scanLink(row)
}

// GetByDiscordUserID retrieves a link record by Discord user ID.
func (r *LinkRegistry) GetByDiscordUserID(userID string) (*Link, error) {
	if userID == "" {
		return nil, nil
	}
	row := r.db.QueryRow(`SELECT
		stripe_customer_id, discord_user_id, last_known_status, last_known_tier,
		created_at, updated_at
		FROM subscriber_links WHERE discord_user_id = ?`, userID)
	return scanLink(row)
}

// UpsertStatus records the latest observed status and tier for a customer.
// It creates a record if none exists and never touches discord_user_id.
func (r *LinkRegistry) UpsertStatus(customerID string, status Status, tier string) error {
	if customerID == "" {
		return fmt.Errorf("customer id is empty")
	}
	now := time.Now().UTC().Unix()
	_, err := r.db.Exec(`
		INSERT INTO subscriber_links (stripe_customer_id, last_known_status, last_known_tier, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(stripe_customer_id) DO UPDATE SET
			last_known_status = excluded.last_known_status,
			last_known_tier   = excluded.last_known_tier,
			updated_at        = excluded.updated_at`,
		customerID, string(status), tier, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert status for %s: %w", customerID, err)
	}
	return nil
}

// LinkMember binds a Discord account to a customer record, creating the record
// if needed. The write is conditional on the existing binding so two
// concurrent link attempts cannot race into inconsistent state. Linking the
// same pair again is an idempotent no-op reported as LinkOutcomeLinked.
func (r *LinkRegistry) LinkMember(customerID, memberID string, status Status, tier string) (LinkOutcome, error) {
	if customerID == "" {
		return LinkOutcomeConflict, fmt.Errorf("customer id is empty")
	}
	if memberID == "" {
		return LinkOutcomeConflict, fmt.Errorf("member id is empty")
	}

	tx, err := r.db.Begin()
	if err != nil {
		return LinkOutcomeConflict, fmt.Errorf("begin link transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// A member maps to exactly one customer.
	var otherCustomer string
	err = tx.QueryRow(`SELECT stripe_customer_id FROM subscriber_links
		WHERE discord_user_id = ? AND stripe_customer_id != ?`, memberID, customerID).Scan(&otherCustomer)
	if err != nil && err != sql.ErrNoRows {
		return LinkOutcomeConflict, fmt.Errorf("check member binding: %w", err)
	}
	if otherCustomer != "" {
		return LinkOutcomeConflict, nil
	}

	now := time.Now().UTC().Unix()

	var existingMember string
	err = tx.QueryRow(`SELECT discord_user_id FROM subscriber_links
		WHERE stripe_customer_id = ?`, customerID).Scan(&existingMember)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(`INSERT INTO subscriber_links
			(stripe_customer_id, discord_user_id, last_known_status, last_known_tier, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			customerID, memberID, string(status), tier, now, now)
		if err != nil {
			return LinkOutcomeConflict, fmt.Errorf("create link for %s: %w", customerID, err)
		}
		if err := tx.Commit(); err != nil {
			return LinkOutcomeConflict, fmt.Errorf("commit link: %w", err)
		}
		return LinkOutcomeCreated, nil

	case err != nil:
		return LinkOutcomeConflict, fmt.Errorf("read link for %s: %w", customerID, err)
	}

	if existingMember != "" && existingMember != memberID {
		return LinkOutcomeConflict, nil
	}

	// Guard the update on the binding we just observed.
	res, err := tx.Exec(`UPDATE subscriber_links SET
			discord_user_id = ?, last_known_status = ?, last_known_tier = ?, updated_at = ?
		WHERE stripe_customer_id = ? AND (discord_user_id = '' OR discord_user_id = ?)`,
		memberID, string(status), tier, now, customerID, memberID)
	if err != nil {
		return LinkOutcomeConflict, fmt.Errorf("link member for %s: %w", customerID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return LinkOutcomeConflict, nil
	}
	if err := tx.Commit(); err != nil {
		return LinkOutcomeConflict, fmt.Errorf("commit link: %w", err)
	}
	return LinkOutcomeLinked, nil
}

// AllLinked returns every record with an associated Discord account, oldest
// first. This is the sweep's working set.
func (r *LinkRegistry) AllLinked() ([]*Link, error) {
	rows, err := r.db.Query(`SELECT
		stripe_customer_id, discord_user_id, last_known_status, last_known_tier,
		created_at, updated_at
		FROM subscriber_links WHERE discord_user_id != '' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list linked subscribers: %w", err)
	}
	defer rows.Close()
	return scanLinks(rows)
}

// CountLinked returns the number of records with an associated Discord account.
func (r *LinkRegistry) CountLinked() (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM subscriber_links WHERE discord_user_id != ''`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count linked subscribers: %w", err)
	}
	return n, nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanLink(s scanner) (*Link, error) {
	var l Link
	var status string
	var createdAt, updatedAt int64

	err := s.Scan(
		&l.StripeCustomerID, &l.DiscordUserID, &status, &l.LastKnownTier,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan link: %w", err)
	}

	l.LastKnownStatus = ParseStatus(status)
	l.CreatedAt = time.Unix(createdAt, 0).UTC()
	l.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &l, nil
}

func scanLinks(rows *sql.Rows) ([]*Link, error) {
	var links []*Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}
