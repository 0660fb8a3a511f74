package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"retrieval-service/internal/models"
	"retrieval-service/internal/util"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Mongo is the document-backed data store
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

type lineItemDoc struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	BatchID        string             `bson:"batchId"`
	ProductID      string             `bson:"productId"`
	ProductName    string             `bson:"productName"`
	Qty            *int               `bson:"qty,omitempty"`
	Quantity       *int               `bson:"quantity,omitempty"`
	Status         string             `bson:"status"`
	AdminConfirmed bool               `bson:"adminConfirmed"`
	ConfirmToken   string             `bson:"confirmToken,omitempty"`
	SecretaryID    string             `bson:"secretaryId"`
	SecretaryName  string             `bson:"secretaryName"`
	CreatedAt      time.Time          `bson:"createdAt"`
}

func (d lineItemDoc) toModel() (models.RetrievalLineItem, error) {
	status, err := models.ParseLineItemStatus(d.Status)
	if err != nil {
		return models.RetrievalLineItem{}, err
	}
	return models.RetrievalLineItem{
		ID:             d.ID.Hex(),
		BatchID:        d.BatchID,
		ProductID:      d.ProductID,
		ProductName:    d.ProductName,
		Qty:            d.Qty,
		Quantity:       d.Quantity,
		Status:         status,
		AdminConfirmed: d.AdminConfirmed,
		SecretaryID:    d.SecretaryID,
		SecretaryName:  d.SecretaryName,
		CreatedAt:      d.CreatedAt,
	}, nil
}

type productDoc struct {
	ProductID  string     `bson:"_id"`
	Name       string     `bson:"name"`
	Quantity   int        `bson:"quantity"`
	ExpiryDate *time.Time `bson:"expiryDate,omitempty"`
	UpdatedAt  time.Time  `bson:"updatedAt"`
}

func (d productDoc) toModel() models.ProductStock {
	return models.ProductStock{
		ProductID:      d.ProductID,
		Name:           d.Name,
		QuantityOnHand: d.Quantity,
		ExpiryDate:     d.ExpiryDate,
		UpdatedAt:      d.UpdatedAt,
	}
}

type statusDoc struct {
	BatchID   string    `bson:"_id"`
	Status    string    `bson:"status"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

type notificationDoc struct {
	ID         string                  `bson:"_id"`
	TargetRole string                  `bson:"targetRole"`
	Kind       string                  `bson:"kind"`
	Title      string                  `bson:"title"`
	Body       models.NotificationBody `bson:"body"`
	Read       bool                    `bson:"read"`
	CreatedAt  time.Time               `bson:"createdAt"`
}

// NewMongo connects to MongoDB and ensures indexes
func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	m := &Mongo{client: client, db: client.Database(database), logger: util.GetLogger()}
	if err := m.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := m.db.Collection(CollectionLineItems).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "batchId", Value: 1}, {Key: "adminConfirmed", Value: 1}}},
		{Keys: bson.D{{Key: "confirmToken", Value: 1}}, Options: options.Index().SetSparse(true)},
	})
	if err != nil {
		return fmt.Errorf("failed to create line item indexes: %w", err)
	}

	_, err = m.db.Collection("notifications").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "targetRole", Value: 1}, {Key: "createdAt", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create notification indexes: %w", err)
	}
	return nil
}

// Close disconnects the client
func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// Ping checks the connection
func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *Mongo) findLineItems(ctx context.Context, filter bson.M) ([]models.RetrievalLineItem, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := m.db.Collection(CollectionLineItems).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []lineItemDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	items := make([]models.RetrievalLineItem, 0, len(docs))
	for _, d := range docs {
		item, err := d.toModel()
		if err != nil {
			return nil, fmt.Errorf("line item %s: %w", d.ID.Hex(), err)
		}
		items = append(items, item)
	}
	return items, nil
}

// ListPendingLineItems returns unconfirmed items with one of the statuses
func (m *Mongo) ListPendingLineItems(ctx context.Context, statuses []models.LineItemStatus) ([]models.RetrievalLineItem, error) {
	raw := make([]string, len(statuses))
	for i, st := range statuses {
		raw[i] = string(st)
	}

	items, err := m.findLineItems(ctx, bson.M{"adminConfirmed": false, "status": bson.M{"$in": raw}})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending line items: %w", err)
	}
	return items, nil
}

// GetPendingLineItems returns unconfirmed items of a batch
func (m *Mongo) GetPendingLineItems(ctx context.Context, batchID string) ([]models.RetrievalLineItem, error) {
	items, err := m.findLineItems(ctx, bson.M{"batchId": batchID, "adminConfirmed": false})
	if err != nil {
		return nil, fmt.Errorf("failed to get pending line items: %w", err)
	}
	return items, nil
}

// ConfirmPendingLineItems stamps a fresh claim token on every still-pending
// item while flipping it, then reads the token back. Both run in one
// transaction: a failed read-back aborts the flip and leaves the batch pending.
func (m *Mongo) ConfirmPendingLineItems(ctx context.Context, batchID string) ([]models.RetrievalLineItem, error) {
	items, err := claimPending(ctx, m.inTransaction, m, batchID)
	if err != nil {
		m.logger.Error("Batch flip rolled back",
			zap.String("batch_id", batchID),
			zap.Error(err))
		return nil, err
	}
	return items, nil
}

// txRunner runs fn so that its writes are discarded when it returns an error
type txRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// claimSteps are the two halves of a claim-token flip
type claimSteps interface {
	markClaimed(ctx context.Context, batchID, token string) error
	findClaimed(ctx context.Context, token string) ([]models.RetrievalLineItem, error)
}

func claimPending(ctx context.Context, run txRunner, steps claimSteps, batchID string) ([]models.RetrievalLineItem, error) {
	token := uuid.New().String()

	var items []models.RetrievalLineItem
	err := run(ctx, func(ctx context.Context) error {
		if err := steps.markClaimed(ctx, batchID, token); err != nil {
			return fmt.Errorf("failed to confirm line items: %w", err)
		}
		found, err := steps.findClaimed(ctx, token)
		if err != nil {
			return fmt.Errorf("failed to read confirmed line items: %w", err)
		}
		items = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// inTransaction needs a replica set, as does the products change stream
func (m *Mongo) inTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := m.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

func (m *Mongo) markClaimed(ctx context.Context, batchID, token string) error {
	_, err := m.db.Collection(CollectionLineItems).UpdateMany(ctx,
		bson.M{"batchId": batchID, "adminConfirmed": false},
		bson.M{"$set": bson.M{
			"adminConfirmed": true,
			"confirmToken":   token,
			"confirmedAt":    time.Now(),
		}})
	return err
}

func (m *Mongo) findClaimed(ctx context.Context, token string) ([]models.RetrievalLineItem, error) {
	return m.findLineItems(ctx, bson.M{"confirmToken": token})
}

// DeductStock decrements stock, floored at zero, with a pipeline update
func (m *Mongo) DeductStock(ctx context.Context, productID string, qty int) (*models.ProductStock, error) {
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "quantity", Value: bson.D{{Key: "$max", Value: bson.A{
				0, bson.D{{Key: "$subtract", Value: bson.A{"$quantity", qty}}},
			}}}},
			{Key: "updatedAt", Value: "$$NOW"},
		}}},
	}

	var doc productDoc
	err := m.db.Collection(CollectionProducts).FindOneAndUpdate(ctx,
		bson.M{"_id": productID}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrStockNotFound, productID)
	}
	if err != nil {
		return nil, err
	}

	stock := doc.toModel()
	return &stock, nil
}

// SetRetrievalStatus upserts the status document of a batch
func (m *Mongo) SetRetrievalStatus(ctx context.Context, batchID string, status models.RetrievalStatus) error {
	_, err := m.db.Collection("retrieval_status").UpdateOne(ctx,
		bson.M{"_id": batchID},
		bson.M{"$set": bson.M{"status": string(status), "updatedAt": time.Now()}},
		options.Update().SetUpsert(true))
	return err
}

// GetRetrievalStatus returns the status document of a batch, or nil
func (m *Mongo) GetRetrievalStatus(ctx context.Context, batchID string) (*models.RetrievalStatusRecord, error) {
	var doc statusDoc
	err := m.db.Collection("retrieval_status").FindOne(ctx, bson.M{"_id": batchID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	status, err := models.ParseRetrievalStatus(doc.Status)
	if err != nil {
		return nil, err
	}
	return &models.RetrievalStatusRecord{BatchID: doc.BatchID, Status: status, UpdatedAt: doc.UpdatedAt}, nil
}

// InsertNotification appends a notification document
func (m *Mongo) InsertNotification(ctx context.Context, n *models.Notification) error {
	n.CreatedAt = time.Now()
	_, err := m.db.Collection("notifications").InsertOne(ctx, notificationDoc{
		ID:         n.ID,
		TargetRole: n.TargetRole,
		Kind:       n.Kind,
		Title:      n.Title,
		Body:       n.Body,
		Read:       n.Read,
		CreatedAt:  n.CreatedAt,
	})
	return err
}

// ListNotifications returns the newest notifications for a role
func (m *Mongo) ListNotifications(ctx context.Context, role string, limit int) ([]models.Notification, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}).SetLimit(int64(limit))
	cursor, err := m.db.Collection("notifications").Find(ctx, bson.M{"targetRole": role}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []notificationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]models.Notification, 0, len(docs))
	for _, d := range docs {
		out = append(out, models.Notification{
			ID:         d.ID,
			TargetRole: d.TargetRole,
			Kind:       d.Kind,
			Title:      d.Title,
			Body:       d.Body,
			Read:       d.Read,
			CreatedAt:  d.CreatedAt,
		})
	}
	return out, nil
}

// ListProducts returns every product document
func (m *Mongo) ListProducts(ctx context.Context) ([]models.ProductStock, error) {
	cursor, err := m.db.Collection(CollectionProducts).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []productDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode products: %w", err)
	}

	products := make([]models.ProductStock, 0, len(docs))
	for _, d := range docs {
		products = append(products, d.toModel())
	}
	return products, nil
}

type changeDoc struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
}

// Changes watches the products collection. Change streams need a replica set.
func (m *Mongo) Changes(ctx context.Context) (<-chan models.ChangeEvent, error) {
	stream, err := m.db.Collection(CollectionProducts).Watch(ctx, mongo.Pipeline{})
	if err != nil {
		return nil, fmt.Errorf("failed to watch products: %w", err)
	}

	out := make(chan models.ChangeEvent, 16)
	go func() {
		defer close(out)
		defer stream.Close(context.Background())

		for stream.Next(ctx) {
			var doc changeDoc
			if err := stream.Decode(&doc); err != nil {
				m.logger.Warn("Malformed change stream event", zap.Error(err))
				continue
			}

			ev := models.ChangeEvent{Collection: CollectionProducts, RecordID: doc.DocumentKey.ID}
			switch doc.OperationType {
			case "insert":
				ev.Op = models.ChangeInsert
			case "delete":
				ev.Op = models.ChangeDelete
			default:
				ev.Op = models.ChangeUpdate
			}

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			m.logger.Error("Product change stream stopped", zap.Error(err))
		}
	}()

	return out, nil
}
