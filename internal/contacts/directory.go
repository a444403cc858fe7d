// Package contacts implements the contact directory on SQLite.
package contacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/foxzi/cadence/internal/campaign"
	"github.com/foxzi/cadence/internal/email"
	"github.com/foxzi/cadence/internal/segment"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrDuplicateEmail is returned when a contact with the same email exists
var ErrDuplicateEmail = errors.New("contact email already exists")

// Contact is a directory entry with engagement counters and derived tags
type Contact struct {
	ID            string           `json:"id"`
	Email         string           `json:"email"`
	Name          string           `json:"name,omitempty"`
	Counters      segment.Counters `json:"counters"`
	Tags          []string         `json:"tags"`
	LastEngagedAt *time.Time       `json:"last_engaged_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// ListFilter represents filter options for listing contacts
type ListFilter struct {
	Tag    string
	Limit  int
	Offset int
}

// Directory stores contacts in SQLite
type Directory struct {
	db *sql.DB
}

// Open opens the directory database and applies migrations
func Open(path string) (*Directory, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	d := &Directory{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the database
func (d *Directory) Close() error {
	return d.db.Close()
}

func (d *Directory) migrate() error {
	for _, m := range []string{migrationContacts, migrationContactTags} {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

const migrationContacts = `
CREATE TABLE IF NOT EXISTS contacts (
    id TEXT PRIMARY KEY,
    email TEXT UNIQUE NOT NULL,
    name TEXT,
    opens INTEGER NOT NULL DEFAULT 0,
    clicks INTEGER NOT NULL DEFAULT 0,
    replies INTEGER NOT NULL DEFAULT 0,
    bounces INTEGER NOT NULL DEFAULT 0,
    last_engaged_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

const migrationContactTags = `
CREATE TABLE IF NOT EXISTS contact_tags (
    contact_id TEXT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
    tag TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (contact_id, tag)
);
CREATE INDEX IF NOT EXISTS idx_contact_tags_tag ON contact_tags(tag);
`

// Create adds a contact. Initial tags are allowed for imported audiences.
func (d *Directory) Create(ctx context.Context, c *Contact) error {
	addr, err := email.Normalize(c.Email)
	if err != nil {
		return err
	}

	c.ID = uuid.New().String()
	c.Email = addr
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO contacts (id, email, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Email, c.Name, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%s: %w", c.Email, ErrDuplicateEmail)
		}
		return fmt.Errorf("failed to create contact: %w", err)
	}

	if err := insertTags(ctx, tx, c.ID, c.Tags); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	sort.Strings(c.Tags)
	return nil
}

// Get returns a contact by ID
func (d *Directory) Get(ctx context.Context, id string) (*Contact, error) {
	return d.getBy(ctx, "id", id)
}

// GetByEmail returns a contact by email address
func (d *Directory) GetByEmail(ctx context.Context, address string) (*Contact, error) {
	addr, err := email.Normalize(address)
	if err != nil {
		return nil, err
	}
	return d.getBy(ctx, "email", addr)
}

func (d *Directory) getBy(ctx context.Context, column, value string) (*Contact, error) {
	c := &Contact{}
	var name sql.NullString
	var lastEngaged sql.NullTime

	err := d.db.QueryRowContext(ctx, `
		SELECT id, email, name, opens, clicks, replies, bounces, last_engaged_at, created_at, updated_at
		FROM contacts WHERE `+column+` = ?`, value,
	).Scan(&c.ID, &c.Email, &name, &c.Counters.Opens, &c.Counters.Clicks, &c.Counters.Replies,
		&c.Counters.Bounces, &lastEngaged, &c.CreatedAt, &c.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("contact %s: %w", value, campaign.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	c.Name = name.String
	if lastEngaged.Valid {
		c.LastEngagedAt = &lastEngaged.Time
	}

	c.Tags, err = d.tags(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// List returns contacts ordered by email with the total count
func (d *Directory) List(ctx context.Context, filter ListFilter) ([]*Contact, int, error) {
	where := " WHERE 1=1"
	args := []any{}
	if filter.Tag != "" {
		where += " AND id IN (SELECT contact_id FROM contact_tags WHERE tag = ?)"
		args = append(args, filter.Tag)
	}

	var total int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM contacts"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT id, email, name, opens, clicks, replies, bounces, last_engaged_at, created_at, updated_at
		FROM contacts` + where + " ORDER BY email"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var contacts []*Contact
	for rows.Next() {
		c := &Contact{}
		var name sql.NullString
		var lastEngaged sql.NullTime
		if err := rows.Scan(&c.ID, &c.Email, &name, &c.Counters.Opens, &c.Counters.Clicks, &c.Counters.Replies,
			&c.Counters.Bounces, &lastEngaged, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, 0, err
		}
		c.Name = name.String
		if lastEngaged.Valid {
			c.LastEngagedAt = &lastEngaged.Time
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	tagMap, err := d.allTags(ctx)
	if err != nil {
		return nil, 0, err
	}
	for _, c := range contacts {
		c.Tags = tagMap[c.ID]
	}

	return contacts, total, nil
}

// FindByPredicate returns the IDs of contacts whose current tags satisfy p
func (d *Directory) FindByPredicate(ctx context.Context, p campaign.AudiencePredicate) ([]string, error) {
	if p.Empty() {
		return nil, nil
	}

	rows, err := d.db.QueryContext(ctx, "SELECT id FROM contacts ORDER BY id")
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tagMap, err := d.allTags(ctx)
	if err != nil {
		return nil, err
	}

	var matched []string
	for _, id := range ids {
		if p.Matches(tagMap[id]) {
			matched = append(matched, id)
		}
	}
	return matched, nil
}

// RecordEngagement increments the counter for an event type and returns
// the new counters together with the contact's current tags
func (d *Directory) RecordEngagement(ctx context.Context, contactID string, eventType campaign.EventType, at time.Time) (segment.Counters, []string, error) {
	var column string
	switch eventType {
	case campaign.EventOpen:
		column = "opens"
	case campaign.EventClick:
		column = "clicks"
	case campaign.EventReply:
		column = "replies"
	case campaign.EventBounce:
		column = "bounces"
	default:
		return segment.Counters{}, nil, fmt.Errorf("unknown event type %q", eventType)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return segment.Counters{}, nil, err
	}
	defer tx.Rollback()

	// Bounces are not engagement and leave last_engaged_at alone
	query := "UPDATE contacts SET " + column + " = " + column + " + 1, updated_at = ?"
	args := []any{time.Now().UTC()}
	if eventType != campaign.EventBounce {
		query += ", last_engaged_at = MAX(COALESCE(last_engaged_at, ?), ?)"
		args = append(args, at.UTC(), at.UTC())
	}
	query += " WHERE id = ?"
	args = append(args, contactID)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return segment.Counters{}, nil, fmt.Errorf("failed to record engagement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return segment.Counters{}, nil, fmt.Errorf("contact %s: %w", contactID, campaign.ErrNotFound)
	}

	var c segment.Counters
	err = tx.QueryRowContext(ctx, "SELECT opens, clicks, replies, bounces FROM contacts WHERE id = ?", contactID).
		Scan(&c.Opens, &c.Clicks, &c.Replies, &c.Bounces)
	if err != nil {
		return segment.Counters{}, nil, err
	}

	tags, err := queryTags(ctx, tx, contactID)
	if err != nil {
		return segment.Counters{}, nil, err
	}

	if err := tx.Commit(); err != nil {
		return segment.Counters{}, nil, err
	}
	return c, tags, nil
}

// UpdateTags adds tags to a contact. Existing tags are never removed.
func (d *Directory) UpdateTags(ctx context.Context, contactID string, tags []string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM contacts WHERE id = ?", contactID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("contact %s: %w", contactID, campaign.ErrNotFound)
	}

	if err := insertTags(ctx, tx, contactID, tags); err != nil {
		return err
	}
	return tx.Commit()
}

// TagCounts returns the number of contacts carrying each tag
func (d *Directory) TagCounts(ctx context.Context) (map[string]int, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT tag, COUNT(*) FROM contact_tags GROUP BY tag")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var tag string
		var n int
		if err := rows.Scan(&tag, &n); err != nil {
			return nil, err
		}
		counts[tag] = n
	}
	return counts, rows.Err()
}

func (d *Directory) tags(ctx context.Context, contactID string) ([]string, error) {
	return queryTags(ctx, d.db, contactID)
}

func (d *Directory) allTags(ctx context.Context) (map[string][]string, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT contact_id, tag FROM contact_tags ORDER BY contact_id, tag")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tags := make(map[string][]string)
	for rows.Next() {
		var id, tag string
		if err := rows.Scan(&id, &tag); err != nil {
			return nil, err
		}
		tags[id] = append(tags[id], tag)
	}
	return tags, rows.Err()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryTags(ctx context.Context, q querier, contactID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT tag FROM contact_tags WHERE contact_id = ? ORDER BY tag", contactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func insertTags(ctx context.Context, tx *sql.Tx, contactID string, tags []string) error {
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO contact_tags (contact_id, tag, created_at) VALUES (?, ?, ?)",
			contactID, tag, time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("failed to add tag %s: %w", tag, err)
		}
	}
	return nil
}
