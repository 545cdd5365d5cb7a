package inventory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists inventory state in SQLite. All mutations issued by the
// reconciler go through a Batch so one detection cycle commits atomically.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate runs database migrations.
func (s *Store) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS stores (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			location TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS inventory_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			store_id INTEGER NOT NULL,
			category TEXT NOT NULL,
			variety TEXT,
			quantity INTEGER NOT NULL DEFAULT 0,
			batch_number TEXT,
			location_in_store TEXT,
			original_price REAL NOT NULL,
			current_price REAL NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (store_id) REFERENCES stores(id)
		)`,
		`CREATE TABLE IF NOT EXISTS freshness_status (
			item_id INTEGER PRIMARY KEY,
			freshness_score REAL NOT NULL,
			discount_percentage REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'fresh',
			last_checked DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (item_id) REFERENCES inventory_items(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS customers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			email TEXT UNIQUE,
			preferences TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS recommendations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			customer_id INTEGER NOT NULL,
			item_id INTEGER NOT NULL,
			reason TEXT,
			priority_score REAL DEFAULT 0,
			sent_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (customer_id) REFERENCES customers(id),
			FOREIGN KEY (item_id) REFERENCES inventory_items(id)
		)`,
		`CREATE TABLE IF NOT EXISTS waste_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			item_id INTEGER NOT NULL,
			quantity_wasted INTEGER NOT NULL,
			reason TEXT,
			estimated_value_loss REAL,
			logged_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (item_id) REFERENCES inventory_items(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_items_store_category ON inventory_items(store_id, category)`,
		`CREATE INDEX IF NOT EXISTS idx_recommendations_customer ON recommendations(customer_id, sent_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// EnsureDefaultStore returns the id of the default store, creating it if the
// stores table is empty. Executed once at pipeline startup so item creation
// in the hot loop never has to bootstrap a store.
func (s *Store) EnsureDefaultStore(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT id FROM stores ORDER BY id LIMIT 1").Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to query stores: %w", err)
	}

	res, err := s.db.ExecContext(ctx, "INSERT INTO stores (name) VALUES (?)", name)
	if err != nil {
		return 0, fmt.Errorf("failed to create default store: %w", err)
	}
	return res.LastInsertId()
}

// GetItemByCategory returns the item for a category within a store, or nil
// if none exists.
func (s *Store) GetItemByCategory(ctx context.Context, storeID int64, category string) (*Item, error) {
	return scanItem(s.db.QueryRowContext(ctx,
		`SELECT id, store_id, category, variety, quantity, batch_number,
			location_in_store, original_price, current_price, created_at, updated_at
		FROM inventory_items WHERE store_id = ? AND category = ?`,
		storeID, category))
}

// GetItem returns an item by id, or nil if none exists.
func (s *Store) GetItem(ctx context.Context, id int64) (*Item, error) {
	return scanItem(s.db.QueryRowContext(ctx,
		`SELECT id, store_id, category, variety, quantity, batch_number,
			location_in_store, original_price, current_price, created_at, updated_at
		FROM inventory_items WHERE id = ?`, id))
}

// GetFreshness returns the freshness record for an item, or nil if none
// exists yet.
func (s *Store) GetFreshness(ctx context.Context, itemID int64) (*FreshnessRecord, error) {
	var rec FreshnessRecord
	var score float64
	err := s.db.QueryRowContext(ctx,
		`SELECT item_id, freshness_score, discount_percentage, status, last_checked
		FROM freshness_status WHERE item_id = ?`, itemID).
		Scan(&rec.ItemID, &score, &rec.Discount, &rec.Status, &rec.LastChecked)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get freshness: %w", err)
	}
	rec.Score = Freshness(score)
	return &rec, nil
}

// ListCustomers returns all customers with parsed preferences.
func (s *Store) ListCustomers(ctx context.Context) ([]Customer, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, email, preferences FROM customers")
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	defer rows.Close()

	var customers []Customer
	for rows.Next() {
		var c Customer
		var prefs sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &prefs); err != nil {
			return nil, fmt.Errorf("failed to scan customer: %w", err)
		}
		if prefs.Valid && prefs.String != "" {
			// Malformed preferences leave the customer with zero prefs
			// rather than failing the whole listing.
			_ = json.Unmarshal([]byte(prefs.String), &c.Preferences)
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

// InsertCustomer stores a customer, returning the assigned id.
func (s *Store) InsertCustomer(ctx context.Context, c Customer) (int64, error) {
	prefs, err := json.Marshal(c.Preferences)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal preferences: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO customers (name, email, preferences) VALUES (?, ?, ?)",
		c.Name, c.Email, string(prefs))
	if err != nil {
		return 0, fmt.Errorf("failed to insert customer: %w", err)
	}
	return res.LastInsertId()
}

// InsertRecommendation stores a recommendation record.
func (s *Store) InsertRecommendation(ctx context.Context, rec Recommendation) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO recommendations (customer_id, item_id, reason, priority_score, sent_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.CustomerID, rec.ItemID, string(rec.Reason), rec.PriorityScore, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert recommendation: %w", err)
	}
	return res.LastInsertId()
}

// Begin starts a reconciliation batch. All writes issued through the batch
// commit or roll back as a unit.
func (s *Store) Begin(ctx context.Context) (Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin batch: %w", err)
	}
	return &sqlBatch{tx: tx}, nil
}

// Batch is one atomic reconciliation write set.
type Batch interface {
	CreateItem(item *Item) error
	UpdateQuantity(itemID int64, quantity int) error
	UpdatePrice(itemID int64, price float64) error
	UpsertFreshness(rec FreshnessRecord) error
	InsertWasteLog(itemID int64, quantityWasted int, reason string, valueLoss float64) error
	Commit() error
	Rollback() error
}

type sqlBatch struct {
	tx *sql.Tx
}

func (b *sqlBatch) CreateItem(item *Item) error {
	now := time.Now().UTC()
	res, err := b.tx.Exec(
		`INSERT INTO inventory_items
			(store_id, category, variety, quantity, batch_number, location_in_store,
			 original_price, current_price, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.StoreID, item.Category, item.Variety, item.Quantity, item.BatchNumber,
		item.Location, item.OriginalPrice, item.CurrentPrice, now, now)
	if err != nil {
		return fmt.Errorf("failed to create item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read item id: %w", err)
	}
	item.ID = id
	item.CreatedAt = now
	item.UpdatedAt = now
	return nil
}

func (b *sqlBatch) UpdateQuantity(itemID int64, quantity int) error {
	_, err := b.tx.Exec(
		"UPDATE inventory_items SET quantity = ?, updated_at = ? WHERE id = ?",
		quantity, time.Now().UTC(), itemID)
	if err != nil {
		return fmt.Errorf("failed to update quantity: %w", err)
	}
	return nil
}

func (b *sqlBatch) UpdatePrice(itemID int64, price float64) error {
	_, err := b.tx.Exec(
		"UPDATE inventory_items SET current_price = ?, updated_at = ? WHERE id = ?",
		price, time.Now().UTC(), itemID)
	if err != nil {
		return fmt.Errorf("failed to update price: %w", err)
	}
	return nil
}

func (b *sqlBatch) UpsertFreshness(rec FreshnessRecord) error {
	_, err := b.tx.Exec(
		`INSERT INTO freshness_status (item_id, freshness_score, discount_percentage, status, last_checked)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			freshness_score = excluded.freshness_score,
			discount_percentage = excluded.discount_percentage,
			status = excluded.status,
			last_checked = excluded.last_checked`,
		rec.ItemID, float64(rec.Score), rec.Discount, string(rec.Status), rec.LastChecked)
	if err != nil {
		return fmt.Errorf("failed to upsert freshness: %w", err)
	}
	return nil
}

func (b *sqlBatch) InsertWasteLog(itemID int64, quantityWasted int, reason string, valueLoss float64) error {
	_, err := b.tx.Exec(
		`INSERT INTO waste_log (item_id, quantity_wasted, reason, estimated_value_loss)
		VALUES (?, ?, ?, ?)`,
		itemID, quantityWasted, reason, valueLoss)
	if err != nil {
		return fmt.Errorf("failed to insert waste log: %w", err)
	}
	return nil
}

func (b *sqlBatch) Commit() error {
	return b.tx.Commit()
}

func (b *sqlBatch) Rollback() error {
	return b.tx.Rollback()
}

func scanItem(row *sql.Row) (*Item, error) {
	var item Item
	var variety, batch, location sql.NullString
	err := row.Scan(&item.ID, &item.StoreID, &item.Category, &variety, &item.Quantity,
		&batch, &location, &item.OriginalPrice, &item.CurrentPrice,
		&item.CreatedAt, &item.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan item: %w", err)
	}
	item.Variety = variety.String
	item.BatchNumber = batch.String
	item.Location = location.String
	return &item, nil
}
