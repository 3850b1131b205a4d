package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/slashbinslashnoname/agromarket-bot/clock"
	"github.com/slashbinslashnoname/agromarket-bot/models"
)

// ErrItemNotFound is returned when no item has the requested unique id
var ErrItemNotFound = errors.New("item not found")

const maxWriteRetries = 5

const itemColumns = "id, unique_id, user_id, title, status, created_at, archived_at, completed_at, final_price, channel_message_id"

// Database wraps the SQL database connection
type Database struct {
	db         *sql.DB
	codec      *clock.Codec
	newBackOff func() backoff.BackOff
}

// NewDatabase initializes the database connection and schema
func NewDatabase(dbPath string, codec *clock.Codec) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// SQLite serializes writers; one connection keeps :memory: databases intact too.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create schema")
	}

	return &Database{db: db, codec: codec, newBackOff: defaultBackOff}, nil
}

var schema = `
	CREATE TABLE IF NOT EXISTS users (
		user_id INTEGER PRIMARY KEY,
		username TEXT,
		language TEXT NOT NULL DEFAULT 'ru',
		created_at TEXT
	);` + itemTable("ads") + itemTable("requests")

func itemTable(name string) string {
	return fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		unique_id TEXT NOT NULL UNIQUE,
		user_id INTEGER NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		created_at TEXT,
		archived_at TEXT,
		completed_at TEXT,
		final_price TEXT,
		channel_message_id TEXT,
		FOREIGN KEY(user_id) REFERENCES users(user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_status ON %[1]s(status, id);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_user ON %[1]s(user_id, status);`, name)
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 5 * time.Second
	return b
}

func tableFor(kind models.Kind) (string, error) {
	switch kind {
	case models.KindAd:
		return "ads", nil
	case models.KindRequest:
		return "requests", nil
	}
	return "", errors.Errorf("unknown item kind %q", kind)
}

// isBusy reports whether err is lock contention worth retrying
func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// withRetry runs op until it succeeds, fails with a non-busy error, or the
// retry budget is spent.
func (d *Database) withRetry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(d.newBackOff(), maxWriteRetries), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// Fields are the columns written alongside a status change
type Fields struct {
	ArchivedAt  *time.Time
	CompletedAt *time.Time
	FinalPrice  decimal.NullDecimal
}

func (d *Database) stamp(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return d.codec.Format(*t)
}

// Transition moves an item from expected to next. It reports false without
// error when the item is no longer in the expected status.
func (d *Database) Transition(ctx context.Context, kind models.Kind, uniqueID string, expected, next models.Status, f Fields) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`UPDATE %s SET status = ?,
		archived_at = COALESCE(?, archived_at),
		completed_at = COALESCE(?, completed_at),
		final_price = COALESCE(?, final_price)
		WHERE unique_id = ? AND status = ?`, table)

	var affected int64
	err = d.withRetry(ctx, func() error {
		res, err := d.db.ExecContext(ctx, query,
			next, d.stamp(f.ArchivedAt), d.stamp(f.CompletedAt), f.FinalPrice, uniqueID, expected)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, errors.Wrapf(err, "failed to move %s %s to %s", kind, uniqueID, next)
	}
	return affected == 1, nil
}

// ClearAnnouncement forgets the channel posts of a retracted item
func (d *Database) ClearAnnouncement(ctx context.Context, kind models.Kind, uniqueID string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("UPDATE %s SET channel_message_id = NULL WHERE unique_id = ?", table)
	err = d.withRetry(ctx, func() error {
		_, err := d.db.ExecContext(ctx, query, uniqueID)
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "failed to clear announcement of %s %s", kind, uniqueID)
	}
	return nil
}

// FetchPage returns up to limit items in status with id greater than afterID
func (d *Database) FetchPage(ctx context.Context, kind models.Kind, status models.Status, afterID int64, limit int) ([]models.Item, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE status = ? AND id > ? ORDER BY id LIMIT ?", itemColumns, table)
	items, err := d.queryItems(ctx, kind, query, status, afterID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch %s page", kind)
	}
	return items, nil
}

// GetItem retrieves a single item by its unique id
func (d *Database) GetItem(ctx context.Context, kind models.Kind, uniqueID string) (*models.Item, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE unique_id = ?", itemColumns, table)
	items, err := d.queryItems(ctx, kind, query, uniqueID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get %s %s", kind, uniqueID)
	}
	if len(items) == 0 {
		return nil, errors.Wrapf(ErrItemNotFound, "%s %s", kind, uniqueID)
	}
	return &items[0], nil
}

// PendingAds lists the owner's ads waiting for a closing action, oldest first
func (d *Database) PendingAds(ctx context.Context, ownerID int64) ([]models.Item, error) {
	query := fmt.Sprintf("SELECT %s FROM ads WHERE user_id = ? AND status = ? ORDER BY id", itemColumns)
	items, err := d.queryItems(ctx, models.KindAd, query, ownerID, models.StatusPendingResponse)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch pending ads")
	}
	return items, nil
}

// CreateItem stores a new active item
func (d *Database) CreateItem(ctx context.Context, kind models.Kind, ownerID int64, title string, refs []string, createdAt time.Time) (*models.Item, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	uniqueID := ulid.Make().String()
	var refsValue interface{}
	if len(refs) > 0 {
		refsValue = models.JoinRefs(refs)
	}

	query := fmt.Sprintf("INSERT INTO %s (unique_id, user_id, title, status, created_at, channel_message_id) VALUES (?, ?, ?, ?, ?, ?)", table)
	err = d.withRetry(ctx, func() error {
		_, err := d.db.ExecContext(ctx, query, uniqueID, ownerID, title, models.StatusActive, d.codec.Format(createdAt), refsValue)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", kind)
	}
	return d.GetItem(ctx, kind, uniqueID)
}

func (d *Database) queryItems(ctx context.Context, kind models.Kind, query string, args ...interface{}) ([]models.Item, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.Item
	for rows.Next() {
		var (
			it                                 models.Item
			createdAt, archivedAt, completedAt sql.NullString
			refs                               sql.NullString
		)
		if err := rows.Scan(&it.ID, &it.UniqueID, &it.OwnerID, &it.Title, &it.Status,
			&createdAt, &archivedAt, &completedAt, &it.FinalPrice, &refs); err != nil {
			return nil, err
		}
		it.Kind = kind
		it.CreatedAtRaw = createdAt.String
		if t, ok := d.codec.Parse(createdAt.String); ok {
			it.CreatedAt = t
		}
		it.ArchivedAt = d.parseStamp(archivedAt)
		it.CompletedAt = d.parseStamp(completedAt)
		it.MessageRefs = models.SplitRefs(refs.String)
		items = append(items, it)
	}
	return items, rows.Err()
}

func (d *Database) parseStamp(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, ok := d.codec.Parse(s.String)
	if !ok {
		return nil
	}
	return &t
}

// RegisterUser registers a user or refreshes their username and language
func (d *Database) RegisterUser(ctx context.Context, userID int64, username, language string) error {
	if language == "" {
		language = "ru"
	}
	err := d.withRetry(ctx, func() error {
		_, err := d.db.ExecContext(ctx,
			`INSERT INTO users (user_id, username, language, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET username = excluded.username, language = excluded.language`,
			userID, username, language, d.codec.Format(time.Now()),
		)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "failed to register user")
	}
	return nil
}

// UserLanguage returns the user's language code, "ru" for unknown users
func (d *Database) UserLanguage(ctx context.Context, userID int64) (string, error) {
	var lang string
	err := d.db.QueryRowContext(ctx, "SELECT language FROM users WHERE user_id = ?", userID).Scan(&lang)
	if errors.Is(err, sql.ErrNoRows) {
		return "ru", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to read user language")
	}
	return strings.TrimSpace(lang), nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}
