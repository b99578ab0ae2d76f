package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	apierrors "github.com/daniwesttech/mpesa-server/internal/errors"
	"github.com/daniwesttech/mpesa-server/internal/metrics"
)

// MongoDBStore implements Store using MongoDB.
type MongoDBStore struct {
	client       *mongo.Client
	transactions *mongo.Collection
	metrics      *metrics.Metrics
}

// mongoTransaction is the BSON shape of a stored transaction.
type mongoTransaction struct {
	ID                 string    `bson:"_id"`
	MerchantRequestID  string    `bson:"merchant_request_id"`
	CheckoutRequestID  string    `bson:"checkout_request_id"`
	PhoneNumber        string    `bson:"phone_number"`
	Amount             int64     `bson:"amount"`
	AccountReference   string    `bson:"account_reference"`
	Description        string    `bson:"description"`
	Status             string    `bson:"status"`
	ResultCode         *int      `bson:"result_code,omitempty"`
	ResultDesc         string    `bson:"result_desc"`
	MpesaReceiptNumber string    `bson:"mpesa_receipt_number"`
	CreatedAt          time.Time `bson:"created_at"`
	UpdatedAt          time.Time `bson:"updated_at"`
}

// NewMongoDBStore creates a new MongoDB-backed store.
func NewMongoDBStore(connectionString, database, collection string) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		// Disconnect() error during initialization cleanup is not actionable
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	if collection == "" {
		collection = "transactions"
	}

	store := &MongoDBStore{
		client:       client,
		transactions: client.Database(database).Collection(collection),
	}

	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	return store, nil
}

// WithMetrics attaches a metrics collector for query instrumentation.
func (s *MongoDBStore) WithMetrics(m *metrics.Metrics) *MongoDBStore {
	s.metrics = m
	return s
}

// createIndexes creates the unique correlation index and the listing index.
func (s *MongoDBStore) createIndexes(ctx context.Context) error {
	_, err := s.transactions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "checkout_request_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create transaction indexes: %w", err)
	}
	return nil
}

// CreatePending inserts a new PENDING transaction. The unique index on
// checkout_request_id makes duplicate detection race-free.
func (s *MongoDBStore) CreatePending(ctx context.Context, tx Transaction) error {
	start := time.Now()
	defer s.observe("create_pending", start)

	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}

	doc := mongoTransaction{
		ID:                tx.ID,
		MerchantRequestID: tx.MerchantRequestID,
		CheckoutRequestID: tx.CheckoutRequestID,
		PhoneNumber:       tx.PhoneNumber,
		Amount:            tx.Amount,
		AccountReference:  tx.AccountReference,
		Description:       tx.Description,
		Status:            string(StatusPending),
		CreatedAt:         tx.CreatedAt,
		UpdatedAt:         tx.CreatedAt,
	}

	if _, err := s.transactions.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateCorrelation
		}
		return apierrors.Wrap(apierrors.ErrCodePersistenceError, "insert transaction", err)
	}
	return nil
}

// FindByCorrelationID looks up a transaction by checkout request id.
func (s *MongoDBStore) FindByCorrelationID(ctx context.Context, checkoutRequestID string) (Transaction, bool, error) {
	start := time.Now()
	defer s.observe("find_by_correlation", start)

	return s.findOne(ctx, bson.M{"checkout_request_id": checkoutRequestID})
}

// FindByID looks up a transaction by surrogate id.
func (s *MongoDBStore) FindByID(ctx context.Context, id string) (Transaction, bool, error) {
	start := time.Now()
	defer s.observe("find_by_id", start)

	return s.findOne(ctx, bson.M{"_id": id})
}

// TransitionIfPending applies the terminal transition with a single
// conditional UpdateOne. The status filter makes MongoDB the serialization
// point: of any number of racing callers, exactly one matches.
func (s *MongoDBStore) TransitionIfPending(ctx context.Context, checkoutRequestID string, status Status, result TerminalResult) (bool, error) {
	start := time.Now()
	defer s.observe("transition_if_pending", start)

	filter := bson.M{
		"checkout_request_id": checkoutRequestID,
		"status":              string(StatusPending),
	}
	update := bson.M{"$set": bson.M{
		"status":               string(status),
		"result_code":          result.ResultCode,
		"result_desc":          result.ResultDesc,
		"mpesa_receipt_number": result.MpesaReceiptNumber,
		"updated_at":           time.Now(),
	}}

	res, err := s.transactions.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, apierrors.Wrap(apierrors.ErrCodePersistenceError, "transition transaction", err)
	}
	return res.MatchedCount == 1, nil
}

// List returns transactions newest first.
func (s *MongoDBStore) List(ctx context.Context, limit int) ([]Transaction, error) {
	start := time.Now()
	defer s.observe("list", start)

	limit = ClampLimit(limit)
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.transactions.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.ErrCodePersistenceError, "list transactions", err)
	}
	defer cursor.Close(ctx)

	var docs []mongoTransaction
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, apierrors.Wrap(apierrors.ErrCodePersistenceError, "decode transactions", err)
	}

	out := make([]Transaction, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.toTransaction())
	}
	return out, nil
}

// Close disconnects the MongoDB client.
func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoDBStore) findOne(ctx context.Context, filter bson.M) (Transaction, bool, error) {
	var doc mongoTransaction
	err := s.transactions.FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, apierrors.Wrap(apierrors.ErrCodePersistenceError, "find transaction", err)
	}
	return doc.toTransaction(), true, nil
}

func (s *MongoDBStore) observe(operation string, start time.Time) {
	s.metrics.ObserveDBQuery(operation, "mongodb", time.Since(start))
}

func (d mongoTransaction) toTransaction() Transaction {
	return Transaction{
		ID:                 d.ID,
		MerchantRequestID:  d.MerchantRequestID,
		CheckoutRequestID:  d.CheckoutRequestID,
		PhoneNumber:        d.PhoneNumber,
		Amount:             d.Amount,
		AccountReference:   d.AccountReference,
		Description:        d.Description,
		Status:             Status(d.Status),
		ResultCode:         d.ResultCode,
		ResultDesc:         d.ResultDesc,
		MpesaReceiptNumber: d.MpesaReceiptNumber,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
}
