// Package mongo is the document-database store backend.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/joss/scribe/internal/domain"
	"github.com/joss/scribe/internal/store"
)

// Collection names.
const (
	colPlans     = "plans"
	colDocuments = "documents"
	colSubtasks  = "subtasks"
	colRuns      = "runs"
	colEvents    = "events"
)

type Store struct {
	client *mongo.Client
	db     *mongo.Database
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// Connect dials uri, verifies the connection and ensures indexes on database name.
func Connect(ctx context.Context, uri, name string) (*Store, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongo connection URI is empty")
	}
	opts := options.Client().ApplyURI(uri).
		SetMaxPoolSize(50).
		SetConnectTimeout(5 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := &Store{client: client, db: client.Database(name), now: func() time.Time { return time.Now().UTC() }}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		colPlans:     {{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "_id", Value: -1}}}},
		colDocuments: {{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "_id", Value: -1}}}},
		colSubtasks: {{
			Keys:    bson.D{{Key: "document_id", Value: 1}, {Key: "order", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		colRuns:   {{Keys: bson.D{{Key: "document_id", Value: 1}, {Key: "_id", Value: 1}}}},
		colEvents: {{Keys: bson.D{{Key: "document_id", Value: 1}, {Key: "run_id", Value: 1}, {Key: "_id", Value: 1}}}},
	}
	for col, models := range indexes {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("%s: %w", col, err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

func findOne[T any](ctx context.Context, col *mongo.Collection, entity, id string, filter bson.M) (*T, error) {
	out := new(T)
	err := col.FindOne(ctx, filter).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.NewNotFoundError(entity, id)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func findAll[T any](ctx context.Context, col *mongo.Collection, filter bson.M, opts *options.FindOptions) ([]*T, error) {
	cur, err := col.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*T
	for cur.Next(ctx) {
		v := new(T)
		if err := cur.Decode(v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, cur.Err()
}

func replace(ctx context.Context, col *mongo.Collection, entity, id string, filter bson.M, v any) error {
	res, err := col.ReplaceOne(ctx, filter, v)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.NewNotFoundError(entity, id)
	}
	return nil
}

func insert(ctx context.Context, col *mongo.Collection, v any) error {
	_, err := col.InsertOne(ctx, v)
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrAlreadyExists
	}
	return err
}

func page(f store.Filter) *options.FindOptions {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: -1}}).SetSkip(int64(f.Offset))
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	return opts
}

// Plans

func (s *Store) CreatePlan(ctx context.Context, p *domain.Plan) error {
	return insert(ctx, s.db.Collection(colPlans), p)
}

func (s *Store) GetPlan(ctx context.Context, id string) (*domain.Plan, error) {
	return findOne[domain.Plan](ctx, s.db.Collection(colPlans), "plan", id, bson.M{"_id": id})
}

func (s *Store) UpdatePlan(ctx context.Context, p *domain.Plan) error {
	return replace(ctx, s.db.Collection(colPlans), "plan", p.ID, bson.M{"_id": p.ID}, p)
}

func (s *Store) ListPlans(ctx context.Context, ownerID string, f store.Filter) ([]*domain.Plan, error) {
	return findAll[domain.Plan](ctx, s.db.Collection(colPlans), bson.M{"owner_id": ownerID}, page(f))
}

// Documents

func (s *Store) CreateDocument(ctx context.Context, d *domain.Document) error {
	return insert(ctx, s.db.Collection(colDocuments), d)
}

func (s *Store) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	return findOne[domain.Document](ctx, s.db.Collection(colDocuments), "document", id, bson.M{"_id": id})
}

func (s *Store) UpdateDocument(ctx context.Context, d *domain.Document) error {
	return replace(ctx, s.db.Collection(colDocuments), "document", d.ID, bson.M{"_id": d.ID}, d)
}

func (s *Store) ListDocuments(ctx context.Context, ownerID string, f store.Filter) ([]*domain.Document, error) {
	return findAll[domain.Document](ctx, s.db.Collection(colDocuments), bson.M{"owner_id": ownerID}, page(f))
}

// Subtasks

// ReplaceSubtasks deletes then inserts. Without a replica set there is no
// multi-document transaction, so a reader may briefly observe an empty set.
func (s *Store) ReplaceSubtasks(ctx context.Context, docID string, subtasks []*domain.Subtask) error {
	col := s.db.Collection(colSubtasks)
	if _, err := col.DeleteMany(ctx, bson.M{"document_id": docID}); err != nil {
		return err
	}
	if len(subtasks) == 0 {
		return nil
	}
	docs := make([]any, 0, len(subtasks))
	for _, st := range subtasks {
		docs = append(docs, st)
	}
	_, err := col.InsertMany(ctx, docs)
	return err
}

func (s *Store) ListSubtasks(ctx context.Context, docID string) ([]*domain.Subtask, error) {
	opts := options.Find().SetSort(bson.D{{Key: "order", Value: 1}})
	out, err := findAll[domain.Subtask](ctx, s.db.Collection(colSubtasks), bson.M{"document_id": docID}, opts)
	if out == nil && err == nil {
		out = []*domain.Subtask{}
	}
	return out, err
}

func (s *Store) GetSubtask(ctx context.Context, docID, id string) (*domain.Subtask, error) {
	return findOne[domain.Subtask](ctx, s.db.Collection(colSubtasks), "subtask", id, bson.M{"_id": id, "document_id": docID})
}

// updateSubtask applies update when filter still matches; a miss is a
// conflict if the unit exists and not-found otherwise.
func (s *Store) updateSubtask(ctx context.Context, docID, id string, filter, update bson.M) (*domain.Subtask, error) {
	col := s.db.Collection(colSubtasks)
	filter["_id"] = id
	filter["document_id"] = docID

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	out := new(domain.Subtask)
	err := col.FindOneAndUpdate(ctx, filter, update, opts).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, gerr := s.GetSubtask(ctx, docID, id); gerr != nil {
			return nil, gerr
		}
		return nil, store.NewConflictError("subtask", id, "modified concurrently")
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ClaimSubtask(ctx context.Context, docID, id string, expectAttempts int, staleBefore time.Time) (*domain.Subtask, error) {
	filter := bson.M{
		"attempts": expectAttempts,
		"$or": bson.A{
			bson.M{"status": bson.M{"$in": bson.A{domain.SubtaskQueued, domain.SubtaskFailed}}},
			bson.M{"status": domain.SubtaskInProgress, "updated_at": bson.M{"$lt": staleBefore}},
		},
	}
	update := bson.M{
		"$set": bson.M{"status": domain.SubtaskInProgress, "updated_at": s.now()},
		"$inc": bson.M{"attempts": 1},
	}
	return s.updateSubtask(ctx, docID, id, filter, update)
}

func (s *Store) CompleteSubtask(ctx context.Context, docID, id string, res *domain.SubtaskResult) (*domain.Subtask, error) {
	filter := bson.M{"status": domain.SubtaskInProgress}
	update := bson.M{"$set": bson.M{
		"status":     domain.SubtaskCompleted,
		"result":     res,
		"last_error": "",
		"updated_at": s.now(),
	}}
	return s.updateSubtask(ctx, docID, id, filter, update)
}

func (s *Store) FailSubtask(ctx context.Context, docID, id, reason string) (*domain.Subtask, error) {
	filter := bson.M{"status": bson.M{"$ne": domain.SubtaskCompleted}}
	update := bson.M{
		"$set":   bson.M{"status": domain.SubtaskFailed, "last_error": reason, "updated_at": s.now()},
		"$unset": bson.M{"result": ""},
	}
	return s.updateSubtask(ctx, docID, id, filter, update)
}

// Runs

func (s *Store) CreateRun(ctx context.Context, r *domain.Run) error {
	return insert(ctx, s.db.Collection(colRuns), r)
}

func (s *Store) GetRun(ctx context.Context, docID, id string) (*domain.Run, error) {
	return findOne[domain.Run](ctx, s.db.Collection(colRuns), "run", id, bson.M{"_id": id, "document_id": docID})
}

func (s *Store) UpdateRun(ctx context.Context, r *domain.Run) error {
	return replace(ctx, s.db.Collection(colRuns), "run", r.ID, bson.M{"_id": r.ID, "document_id": r.DocumentID}, r)
}

func (s *Store) ListRuns(ctx context.Context, docID string) ([]*domain.Run, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	return findAll[domain.Run](ctx, s.db.Collection(colRuns), bson.M{"document_id": docID}, opts)
}

// Events

func (s *Store) AppendEvent(ctx context.Context, e *domain.Event) error {
	return insert(ctx, s.db.Collection(colEvents), e)
}

func (s *Store) ListEvents(ctx context.Context, docID, runID, afterID string) ([]*domain.Event, error) {
	filter := bson.M{"document_id": docID, "run_id": runID, "_id": bson.M{"$gt": afterID}}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	return findAll[domain.Event](ctx, s.db.Collection(colEvents), filter, opts)
}
