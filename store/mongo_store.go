package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/deepresearch/orchestrator/research"
)

// mongoSessionDoc is the BSON document stored per session. Unlike
// sessionRow, State is embedded directly rather than JSON-blobbed, since
// MongoDB's native document model already treats it as an opaque subtree.
type mongoSessionDoc struct {
	ID          string                  `bson:"_id"`
	Query       string                  `bson:"query"`
	Language    research.Language       `bson:"language"`
	Depth       research.Depth          `bson:"depth"`
	Concurrency int                     `bson:"concurrency"`
	CreatedAt   time.Time               `bson:"created_at"`
	Stage       research.Stage          `bson:"stage"`
	Progress    int                     `bson:"progress"`
	LastError   *research.Error         `bson:"last_error,omitempty"`
	UpdatedAt   time.Time               `bson:"updated_at"`
	Version     int                     `bson:"version"`
	State       research.ResearchState  `bson:"state"`
}

// MongoStore is a Store backend for deployments that already run MongoDB
// for other services, using the sessions collection as a document store.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoStore connects to uri and returns a MongoStore using database db,
// collection "sessions".
func NewMongoStore(ctx context.Context, uri, db string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	collection := client.Database(db).Collection("sessions")
	if _, err := collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "stage", Value: 1}},
	}); err != nil {
		return nil, fmt.Errorf("create stage index: %w", err)
	}

	return &MongoStore{client: client, collection: collection}, nil
}

func (s *MongoStore) Create(ctx context.Context, spec research.Spec) (*research.Session, error) {
	if spec.Query == "" {
		return nil, research.NewError(research.ErrInvalidInput, "query must not be empty")
	}

	now := time.Now()
	doc := mongoSessionDoc{
		ID:          newSessionID(),
		Query:       spec.Query,
		Language:    spec.Language,
		Depth:       spec.Depth,
		Concurrency: spec.MaxResearchers,
		CreatedAt:   now,
		Stage:       research.StageIntake,
		UpdatedAt:   now,
		Version:     1,
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("insert session document: %w", err)
	}
	return fromMongoDoc(doc), nil
}

func (s *MongoStore) Load(ctx context.Context, id string) (*research.Session, error) {
	var doc mongoSessionDoc
	err := s.collection.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, research.NewError(research.ErrNotFound, fmt.Sprintf("session %q not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("find session document: %w", err)
	}
	return fromMongoDoc(doc), nil
}

// Update applies an optimistic-concurrency FindOneAndUpdate filtered on the
// version read, retrying against the freshly loaded document if another
// writer won the race.
func (s *MongoStore) Update(ctx context.Context, id string, mutate Mutator) (*research.Session, error) {
	const maxAttempts = 10
	for attempt := 0; attempt < maxAttempts; attempt++ {
		current, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}

		readVersion := current.Version
		if err := mutate(current); err != nil {
			return nil, err
		}
		current.Version = readVersion + 1
		current.UpdatedAt = time.Now()

		result := s.collection.FindOneAndUpdate(ctx,
			bson.D{{Key: "_id", Value: id}, {Key: "version", Value: readVersion}},
			bson.D{{Key: "$set", Value: bson.D{
				{Key: "stage", Value: current.Stage},
				{Key: "progress", Value: current.Progress},
				{Key: "last_error", Value: current.LastError},
				{Key: "updated_at", Value: current.UpdatedAt},
				{Key: "version", Value: current.Version},
				{Key: "state", Value: current.State},
			}}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		)

		var updated mongoSessionDoc
		err = result.Decode(&updated)
		if err == mongo.ErrNoDocuments {
			continue // lost the race; reload and retry
		}
		if err != nil {
			return nil, fmt.Errorf("update session document: %w", err)
		}
		return fromMongoDoc(updated), nil
	}
	return nil, research.NewError(research.ErrInternal, fmt.Sprintf("update on session %q did not converge after %d attempts", id, maxAttempts))
}

func (s *MongoStore) List(ctx context.Context, filter Filter) ([]*research.Session, error) {
	query := bson.D{}
	if filter.Stage != "" {
		query = append(query, bson.E{Key: "stage", Value: filter.Stage})
	}
	if filter.CreatedAfter != nil || filter.CreatedBefore != nil {
		createdRange := bson.D{}
		if filter.CreatedAfter != nil {
			createdRange = append(createdRange, bson.E{Key: "$gt", Value: *filter.CreatedAfter})
		}
		if filter.CreatedBefore != nil {
			createdRange = append(createdRange, bson.E{Key: "$lt", Value: *filter.CreatedBefore})
		}
		query = append(query, bson.E{Key: "created_at", Value: createdRange})
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}

	cursor, err := s.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("find session documents: %w", err)
	}
	defer cursor.Close(ctx)

	out := make([]*research.Session, 0)
	for cursor.Next(ctx) {
		var doc mongoSessionDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode session document: %w", err)
		}
		out = append(out, fromMongoDoc(doc))
	}
	return out, cursor.Err()
}

func (s *MongoStore) Delete(ctx context.Context, id string) error {
	result, err := s.collection.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return fmt.Errorf("delete session document: %w", err)
	}
	if result.DeletedCount == 0 {
		return research.NewError(research.ErrNotFound, fmt.Sprintf("session %q not found", id))
	}
	return nil
}

func (s *MongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}

func fromMongoDoc(doc mongoSessionDoc) *research.Session {
	return &research.Session{
		ID:          doc.ID,
		Query:       doc.Query,
		Language:    doc.Language,
		Depth:       doc.Depth,
		Concurrency: doc.Concurrency,
		CreatedAt:   doc.CreatedAt,
		Stage:       doc.Stage,
		Progress:    doc.Progress,
		LastError:   doc.LastError,
		UpdatedAt:   doc.UpdatedAt,
		Version:     doc.Version,
		State:       doc.State,
	}
}

var _ Store = (*MongoStore)(nil)
