package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/daniwesttech/mpesa-server/internal/config"
	apierrors "github.com/daniwesttech/mpesa-server/internal/errors"
	"github.com/daniwesttech/mpesa-server/internal/metrics"
)

// uniqueViolation is the Postgres error code raised by the unique index on
// checkout_request_id; it is what makes CreatePending's duplicate detection
// race-free.
const uniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db        *sql.DB
	ownsDB    bool   // Track if we created the DB connection (for Close())
	tableName string // Configurable table name (default: "transactions")
	metrics   *metrics.Metrics
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig, tableName string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		// Close() error during initialization cleanup is not actionable;
		// the connection failure is the error the caller needs.
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	store := &PostgresStore{
		db:        db,
		ownsDB:    true,
		tableName: tableNameOrDefault(tableName),
	}

	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// NewPostgresStoreWithDB creates a PostgreSQL-backed store using an existing
// connection pool, allowing the pool to be shared across repositories.
func NewPostgresStoreWithDB(db *sql.DB, tableName string) (*PostgresStore, error) {
	store := &PostgresStore{
		db:        db,
		ownsDB:    false,
		tableName: tableNameOrDefault(tableName),
	}

	if err := store.createTables(); err != nil {
		return nil, err
	}

	return store, nil
}

// WithMetrics attaches a metrics collector for query instrumentation.
func (s *PostgresStore) WithMetrics(m *metrics.Metrics) *PostgresStore {
	s.metrics = m
	return s
}

func tableNameOrDefault(name string) string {
	if name == "" {
		return "transactions"
	}
	return name
}

// createTables creates the transactions table and indexes if absent.
func (s *PostgresStore) createTables() error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id                   TEXT PRIMARY KEY,
			merchant_request_id  TEXT NOT NULL,
			checkout_request_id  TEXT NOT NULL UNIQUE,
			phone_number         TEXT NOT NULL,
			amount               BIGINT NOT NULL,
			account_reference    TEXT NOT NULL DEFAULT '',
			description          TEXT NOT NULL DEFAULT '',
			status               TEXT NOT NULL,
			result_code          INTEGER,
			result_desc          TEXT NOT NULL DEFAULT '',
			mpesa_receipt_number TEXT NOT NULL DEFAULT '',
			created_at           TIMESTAMPTZ NOT NULL,
			updated_at           TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_created_at ON %s (created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_%s_status ON %s (status);
	`, s.tableName, s.tableName, s.tableName, s.tableName, s.tableName)

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create transactions table: %w", err)
	}
	return nil
}

// CreatePending inserts a new PENDING transaction. The unique index on
// checkout_request_id enforces correlation uniqueness at the store level.
func (s *PostgresStore) CreatePending(ctx context.Context, tx Transaction) error {
	start := time.Now()
	defer s.observe("create_pending", start)

	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, merchant_request_id, checkout_request_id, phone_number,
			amount, account_reference, description, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, s.tableName)

	_, err := s.db.ExecContext(ctx, query,
		tx.ID, tx.MerchantRequestID, tx.CheckoutRequestID, tx.PhoneNumber,
		tx.Amount, tx.AccountReference, tx.Description, string(StatusPending), tx.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return ErrDuplicateCorrelation
		}
		return apierrors.Wrap(apierrors.ErrCodePersistenceError, "insert transaction", err)
	}
	return nil
}

// FindByCorrelationID looks up a transaction by checkout request id.
func (s *PostgresStore) FindByCorrelationID(ctx context.Context, checkoutRequestID string) (Transaction, bool, error) {
	start := time.Now()
	defer s.observe("find_by_correlation", start)

	query := fmt.Sprintf(`%s WHERE checkout_request_id = $1`, s.selectClause())
	return s.scanOne(s.db.QueryRowContext(ctx, query, checkoutRequestID))
}

// FindByID looks up a transaction by surrogate id.
func (s *PostgresStore) FindByID(ctx context.Context, id string) (Transaction, bool, error) {
	start := time.Now()
	defer s.observe("find_by_id", start)

	query := fmt.Sprintf(`%s WHERE id = $1`, s.selectClause())
	return s.scanOne(s.db.QueryRowContext(ctx, query, id))
}

// TransitionIfPending applies the terminal transition with a single
// conditional UPDATE. The WHERE status = 'PENDING' clause makes the database
// the serialization point: of any number of racing callers, exactly one sees
// RowsAffected = 1.
func (s *PostgresStore) TransitionIfPending(ctx context.Context, checkoutRequestID string, status Status, result TerminalResult) (bool, error) {
	start := time.Now()
	defer s.observe("transition_if_pending", start)

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $2, result_code = $3, result_desc = $4,
			mpesa_receipt_number = $5, updated_at = NOW()
		WHERE checkout_request_id = $1 AND status = $6
	`, s.tableName)

	res, err := s.db.ExecContext(ctx, query,
		checkoutRequestID, string(status), result.ResultCode, result.ResultDesc,
		result.MpesaReceiptNumber, string(StatusPending))
	if err != nil {
		return false, apierrors.Wrap(apierrors.ErrCodePersistenceError, "transition transaction", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, apierrors.Wrap(apierrors.ErrCodePersistenceError, "rows affected", err)
	}
	return rows == 1, nil
}

// List returns transactions newest first.
func (s *PostgresStore) List(ctx context.Context, limit int) ([]Transaction, error) {
	start := time.Now()
	defer s.observe("list", start)

	limit = ClampLimit(limit)
	query := fmt.Sprintf(`%s ORDER BY created_at DESC LIMIT $1`, s.selectClause())

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.ErrCodePersistenceError, "list transactions", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, apierrors.Wrap(apierrors.ErrCodePersistenceError, "scan transaction", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, apierrors.Wrap(apierrors.ErrCodePersistenceError, "iterate transactions", err)
	}
	return out, nil
}

// Close closes the connection pool if this store owns it.
func (s *PostgresStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) selectClause() string {
	return fmt.Sprintf(`
		SELECT id, merchant_request_id, checkout_request_id, phone_number,
			amount, account_reference, description, status, result_code,
			result_desc, mpesa_receipt_number, created_at, updated_at
		FROM %s`, s.tableName)
}

func (s *PostgresStore) observe(operation string, start time.Time) {
	s.metrics.ObserveDBQuery(operation, "postgres", time.Since(start))
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanOne(row *sql.Row) (Transaction, bool, error) {
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, apierrors.Wrap(apierrors.ErrCodePersistenceError, "scan transaction", err)
	}
	return tx, true, nil
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var tx Transaction
	var resultCode sql.NullInt32
	err := row.Scan(
		&tx.ID, &tx.MerchantRequestID, &tx.CheckoutRequestID, &tx.PhoneNumber,
		&tx.Amount, &tx.AccountReference, &tx.Description, &tx.Status,
		&resultCode, &tx.ResultDesc, &tx.MpesaReceiptNumber,
		&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return Transaction{}, err
	}
	if resultCode.Valid {
		code := int(resultCode.Int32)
		tx.ResultCode = &code
	}
	return tx, nil
}
