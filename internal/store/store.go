package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"locker-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetUser retrieves the identity fields denormalized into assignments
func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	err := s.db.GetContext(ctx, &user, "SELECT id, name, email FROM users WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetOrder retrieves an order by ID
func (s *Store) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// MarkOrderAwaitingPickup transitions a settled order into the
// pickup-eligible state. The WHERE guard keeps replayed payment
// events from resurrecting finished orders.
func (s *Store) MarkOrderAwaitingPickup(ctx context.Context, orderID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		models.OrderStatusAwaitingPickup, orderID, models.OrderStatusPending)
	return err
}

// GetProduct retrieves a catalog product by ID
func (s *Store) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT * FROM products WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetVariantAttributes retrieves a product's variant attributes with
// their options, ordered by declaration position.
func (s *Store) GetVariantAttributes(ctx context.Context, productID int64) ([]models.VariantAttribute, error) {
	var attrs []models.VariantAttribute
	err := s.db.SelectContext(ctx, &attrs,
		"SELECT * FROM variant_attributes WHERE product_id = $1 ORDER BY position", productID)
	if err != nil {
		return nil, err
	}
	for i := range attrs {
		var opts []models.VariantOption
		err = s.db.SelectContext(ctx, &opts,
			"SELECT * FROM variant_options WHERE attribute_id = $1 ORDER BY id", attrs[i].ID)
		if err != nil {
			return nil, err
		}
		attrs[i].Options = opts
	}
	return attrs, nil
}

// GetIndividualProduct retrieves one tracked unit by ID
func (s *Store) GetIndividualProduct(ctx context.Context, id int64) (*models.IndividualProduct, error) {
	var item models.IndividualProduct
	err := s.db.GetContext(ctx, &item, "SELECT * FROM individual_products WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("individual product %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}
