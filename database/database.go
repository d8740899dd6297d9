package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sippar-network/ck-bridge-api/database/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type Database struct {
	client       *mongo.Client
	databaseName string
	logger       *slog.Logger
}

type DatabaseOpts struct {
	URI          string
	DatabaseName string
	Logger       *slog.Logger
}

const (
	defaultTimeout = 10 * time.Second

	collDeposits            = "deposits"
	collProcessedDeposits   = "processed_deposits"
	collFailedRegistrations = "failed_registrations"
	collPauseEvents         = "pause_events"
)

func NewDatabase(opts DatabaseOpts) (*Database, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	clientOpts := options.Client().
		ApplyURI(opts.URI).
		SetMaxPoolSize(100).
		SetMinPoolSize(10).
		SetMaxConnecting(10).
		SetServerSelectionTimeout(5 * time.Second).
		SetRetryWrites(true)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Database{
		client:       client,
		databaseName: opts.DatabaseName,
		logger:       opts.Logger,
	}, nil
}

func (db *Database) CreateIndexes(ctx context.Context) error {
	depositsColl := db.client.Database(db.databaseName).Collection(collDeposits)
	_, err := depositsColl.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "tx_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "user", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "custody_address", Value: 1}}},
		{Keys: bson.D{{Key: "detected_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create deposits indexes: %w", err)
	}

	processedColl := db.client.Database(db.databaseName).Collection(collProcessedDeposits)
	_, err = processedColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "tx_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create processed_deposits index: %w", err)
	}

	failedColl := db.client.Database(db.databaseName).Collection(collFailedRegistrations)
	_, err = failedColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "tx_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create failed_registrations index: %w", err)
	}

	return nil
}

// UpsertDeposit writes or replaces the audit record for a deposit.
func (db *Database) UpsertDeposit(ctx context.Context, deposit models.Deposit) error {
	if deposit.RecordID == "" {
		deposit.RecordID = uuid.NewString()
	}
	deposit.UpdatedAt = time.Now().Unix()

	collection := db.client.Database(db.databaseName).Collection(collDeposits)
	filter := bson.D{{Key: "tx_id", Value: deposit.TxID}}
	update := bson.D{{Key: "$set", Value: deposit}}

	_, err := collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert deposit %s: %w", deposit.TxID, err)
	}
	return nil
}

// UpdateDepositStatus advances the recorded status and confirmation count.
func (db *Database) UpdateDepositStatus(ctx context.Context, txID, status string, confirmations uint64) error {
	collection := db.client.Database(db.databaseName).Collection(collDeposits)

	filter := bson.D{{Key: "tx_id", Value: txID}}
	update := bson.D{{
		Key: "$set",
		Value: bson.D{
			{Key: "status", Value: status},
			{Key: "confirmations", Value: confirmations},
			{Key: "updated_at", Value: time.Now().Unix()},
		},
	}}

	result, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to update deposit status: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("no deposit found with txID: %s", txID)
	}
	return nil
}

// GetDeposit returns the audit record for a transaction id.
func (db *Database) GetDeposit(ctx context.Context, txID string) (models.Deposit, error) {
	collection := db.client.Database(db.databaseName).Collection(collDeposits)

	var deposit models.Deposit
	err := collection.FindOne(ctx, bson.D{{Key: "tx_id", Value: txID}}).Decode(&deposit)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return models.Deposit{}, mongo.ErrNoDocuments
		}
		return models.Deposit{}, fmt.Errorf("failed to get deposit %s: %w", txID, err)
	}
	return deposit, nil
}

// GetDepositsByUser returns every recorded deposit for a user identity,
// newest first.
func (db *Database) GetDepositsByUser(ctx context.Context, user string) ([]models.Deposit, error) {
	collection := db.client.Database(db.databaseName).Collection(collDeposits)

	opts := options.Find().SetSort(bson.D{{Key: "detected_at", Value: -1}})
	cursor, err := collection.Find(ctx, bson.D{{Key: "user", Value: user}}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get deposits for user %s: %w", user, err)
	}
	defer cursor.Close(ctx)

	var deposits []models.Deposit
	if err := cursor.All(ctx, &deposits); err != nil {
		return nil, fmt.Errorf("failed to decode deposits: %w", err)
	}
	return deposits, nil
}

// MarkProcessed inserts the transaction id into the processed set. Inserting
// an id that is already present is not an error.
func (db *Database) MarkProcessed(ctx context.Context, txID string) error {
	collection := db.client.Database(db.databaseName).Collection(collProcessedDeposits)

	_, err := collection.InsertOne(ctx, models.ProcessedDeposit{
		TxID:        txID,
		ProcessedAt: time.Now().Unix(),
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("failed to mark deposit %s processed: %w", txID, err)
	}
	return nil
}

// LoadProcessedTxIDs returns the full processed set for warm start.
func (db *Database) LoadProcessedTxIDs(ctx context.Context) ([]string, error) {
	collection := db.client.Database(db.databaseName).Collection(collProcessedDeposits)

	cursor, err := collection.Find(ctx, bson.D{}, options.Find().SetBatchSize(1000))
	if err != nil {
		return nil, fmt.Errorf("failed to load processed deposits: %w", err)
	}
	defer cursor.Close(ctx)

	var records []models.ProcessedDeposit
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode processed deposits: %w", err)
	}

	txIDs := make([]string, len(records))
	for i, record := range records {
		txIDs[i] = record.TxID
	}
	return txIDs, nil
}

// UpsertFailedRegistration persists a retry-queue entry.
func (db *Database) UpsertFailedRegistration(ctx context.Context, record models.FailedRegistration) error {
	collection := db.client.Database(db.databaseName).Collection(collFailedRegistrations)

	filter := bson.D{{Key: "tx_id", Value: record.TxID}}
	update := bson.D{{Key: "$set", Value: record}}

	_, err := collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert failed registration %s: %w", record.TxID, err)
	}
	return nil
}

// DeleteFailedRegistration removes a retry-queue entry after success or
// operator-confirmed recovery.
func (db *Database) DeleteFailedRegistration(ctx context.Context, txID string) error {
	collection := db.client.Database(db.databaseName).Collection(collFailedRegistrations)

	_, err := collection.DeleteOne(ctx, bson.D{{Key: "tx_id", Value: txID}})
	if err != nil {
		return fmt.Errorf("failed to delete failed registration %s: %w", txID, err)
	}
	return nil
}

// ListFailedRegistrations returns every persisted retry-queue entry.
func (db *Database) ListFailedRegistrations(ctx context.Context) ([]models.FailedRegistration, error) {
	collection := db.client.Database(db.databaseName).Collection(collFailedRegistrations)

	cursor, err := collection.Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("failed to list failed registrations: %w", err)
	}
	defer cursor.Close(ctx)

	var records []models.FailedRegistration
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode failed registrations: %w", err)
	}
	return records, nil
}

// InsertPauseEvent records an emergency pause transition.
func (db *Database) InsertPauseEvent(ctx context.Context, event models.PauseEvent) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	collection := db.client.Database(db.databaseName).Collection(collPauseEvents)

	if _, err := collection.InsertOne(ctx, event); err != nil {
		return fmt.Errorf("failed to insert pause event: %w", err)
	}
	return nil
}
