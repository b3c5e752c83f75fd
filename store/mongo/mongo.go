// Package mongo is the production store.Store backend, wrapping
// go.mongodb.org/mongo-driver/v2 the way the teacher's
// features/run/mongo/clients/mongo package wraps v1: callers hand in an
// already-connected *mongo.Client, this package owns a database handle and
// translates driver errors into the store package's sentinels. File
// attributes are backed by a GridFS bucket per collection.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/gridfs"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"chronicle.dev/chronicle/store"
)

const defaultOpTimeout = 10 * time.Second

// Options configures a Store.
type Options struct {
	// Client is an already-connected Mongo client; Store does not own its
	// lifecycle and never closes it.
	Client *mongodriver.Client
	// Database selects the database holding every collection Store
	// touches.
	Database string
	// Timeout bounds each individual operation when the caller's context
	// carries no deadline of its own.
	Timeout time.Duration
}

// Store is a store.Store backed by MongoDB.
type Store struct {
	client  *mongodriver.Client
	db      *mongodriver.Database
	timeout time.Duration
}

var _ store.Store = (*Store)(nil)

// New constructs a Store. The caller owns opts.Client's connection
// lifecycle.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("store/mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("store/mongo: database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{
		client:  opts.Client,
		db:      opts.Client.Database(opts.Database),
		timeout: timeout,
	}, nil
}

// Name implements the teacher's client-naming convention for health
// reporting.
func (s *Store) Name() string { return "chronicle-mongo" }

// Ping implements goa.design/clue/health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// EnsureIndex creates an index on the given fields, unique when requested.
// Safe to call repeatedly: Mongo is a no-op when the index already exists
// with matching options.
func (s *Store) EnsureIndex(ctx context.Context, collection string, keys []string, unique bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := bson.D{}
	for _, k := range keys {
		doc = append(doc, bson.E{Key: k, Value: 1})
	}
	model := mongodriver.IndexModel{
		Keys:    doc,
		Options: options.Index().SetUnique(unique),
	}
	_, err := s.db.Collection(collection).Indexes().CreateOne(ctx, model)
	if err != nil {
		return fmt.Errorf("store/mongo: ensure index on %s: %w", collection, err)
	}
	return nil
}

// Insert inserts doc into collection, translating a unique-index collision
// (including on _id) into store.ErrDuplicateKey — the sole concurrency
// control mechanism the trial package relies on.
func (s *Store) Insert(ctx context.Context, collection string, doc store.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.Collection(collection).InsertOne(ctx, bson.M(doc))
	if mongodriver.IsDuplicateKeyError(err) {
		return fmt.Errorf("store/mongo: insert into %s: %w", collection, store.ErrDuplicateKey)
	}
	if err != nil {
		return fmt.Errorf("store/mongo: insert into %s: %w", collection, err)
	}
	return nil
}

// Read runs query against collection and decodes every matching document.
func (s *Store) Read(ctx context.Context, collection string, query store.Query, opts ...store.ReadOption) ([]store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var ro store.ReadOptions
	for _, o := range opts {
		o(&ro)
	}

	find := options.Find()
	if len(ro.Sort) > 0 {
		sort := bson.D{}
		for _, f := range ro.Sort {
			dir := 1
			if strings.HasPrefix(f, "-") {
				dir = -1
				f = f[1:]
			}
			sort = append(sort, bson.E{Key: f, Value: dir})
		}
		find.SetSort(sort)
	}
	if ro.Limit > 0 {
		find.SetLimit(int64(ro.Limit))
	}
	if len(ro.Project) > 0 {
		proj := bson.D{}
		for _, f := range ro.Project {
			proj = append(proj, bson.E{Key: f, Value: 1})
		}
		find.SetProjection(proj)
	}

	cur, err := s.db.Collection(collection).Find(ctx, filterFor(query), find)
	if err != nil {
		return nil, fmt.Errorf("store/mongo: read %s: %w", collection, err)
	}
	defer cur.Close(ctx)

	var docs []store.Document
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, fmt.Errorf("store/mongo: decode %s: %w", collection, err)
		}
		docs = append(docs, store.Document(raw))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("store/mongo: iterate %s: %w", collection, err)
	}
	return docs, nil
}

// ReadAndWrite atomically finds the document matching query and merges
// update's fields into it ($set semantics, matching store/memory's shallow
// overlay), returning store.ErrNotFound if nothing matches and
// store.ErrDuplicateKey if the merge would violate a unique index.
func (s *Store) ReadAndWrite(ctx context.Context, collection string, query store.Query, update store.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res := s.db.Collection(collection).FindOneAndUpdate(ctx, filterFor(query), bson.M{"$set": bson.M(update)})
	if err := res.Err(); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return fmt.Errorf("store/mongo: read-and-write %s: %w", collection, store.ErrNotFound)
		}
		if mongodriver.IsDuplicateKeyError(err) {
			return fmt.Errorf("store/mongo: read-and-write %s: %w", collection, store.ErrDuplicateKey)
		}
		return fmt.Errorf("store/mongo: read-and-write %s: %w", collection, err)
	}
	return nil
}

// filterFor passes a Query through to Mongo almost unchanged: its operator
// vocabulary ($gt, $in, $all) is already Mongo's own.
func filterFor(query store.Query) bson.M { return bson.M(query) }

// WriteFile streams blob into a GridFS bucket named collection, storing
// metadata as the GridFS file's metadata document, and returns the
// generated file id as a hex string.
func (s *Store) WriteFile(ctx context.Context, collection string, blob io.Reader, metadata store.Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	bucket, err := gridfs.NewBucket(s.db, options.GridFSBucket().SetName(collection))
	if err != nil {
		return "", fmt.Errorf("store/mongo: open bucket %s: %w", collection, err)
	}
	filename, _ := metadata["filename"].(string)
	if filename == "" {
		filename = "blob"
	}
	id := bson.NewObjectID()
	uploadOpts := options.GridFSUpload().SetMetadata(bson.M(metadata))
	uploadStream, err := bucket.OpenUploadStreamWithID(id, filename, uploadOpts)
	if err != nil {
		return "", fmt.Errorf("store/mongo: open upload stream for %s: %w", filename, err)
	}
	if _, err := io.Copy(uploadStream, blob); err != nil {
		uploadStream.Close()
		return "", fmt.Errorf("store/mongo: upload %s: %w", filename, err)
	}
	if err := uploadStream.Close(); err != nil {
		return "", fmt.Errorf("store/mongo: finalize upload %s: %w", filename, err)
	}
	return id.Hex(), nil
}

// ReadFile returns handles for every blob in collection whose GridFS file
// document matches query. "_id" is decoded as the file's hex object id;
// every other field is matched against the stored metadata document.
func (s *Store) ReadFile(ctx context.Context, collection string, query store.Query) ([]store.FileHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bucket, err := gridfs.NewBucket(s.db, options.GridFSBucket().SetName(collection))
	if err != nil {
		return nil, fmt.Errorf("store/mongo: open bucket %s: %w", collection, err)
	}

	filter := bson.M{}
	for k, v := range query {
		if k == "_id" {
			hex, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("store/mongo: read file: _id filter must be a hex string")
			}
			id, err := bson.ObjectIDFromHex(hex)
			if err != nil {
				return nil, fmt.Errorf("store/mongo: parse file id %q: %w", hex, err)
			}
			filter["_id"] = id
			continue
		}
		filter["metadata."+k] = v
	}

	cur, err := bucket.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("store/mongo: find files in %s: %w", collection, err)
	}
	defer cur.Close(ctx)

	var handles []store.FileHandle
	for cur.Next(ctx) {
		var f gridFSFile
		if err := cur.Decode(&f); err != nil {
			return nil, fmt.Errorf("store/mongo: decode file in %s: %w", collection, err)
		}
		handles = append(handles, &fileHandle{bucket: bucket, id: f.ID, metadata: store.Document(f.Metadata)})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("store/mongo: iterate files in %s: %w", collection, err)
	}
	return handles, nil
}

type gridFSFile struct {
	ID       bson.ObjectID `bson:"_id"`
	Filename string        `bson:"filename"`
	Metadata bson.M        `bson:"metadata"`
}

type fileHandle struct {
	bucket   *gridfs.Bucket
	id       bson.ObjectID
	metadata store.Document
}

func (h *fileHandle) Metadata() store.Document { return h.metadata }

func (h *fileHandle) Open(ctx context.Context) (io.ReadCloser, error) {
	stream, err := h.bucket.OpenDownloadStream(ctx, h.id)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) || errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, fmt.Errorf("store/mongo: open file: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("store/mongo: open file: %w", err)
	}
	return stream, nil
}
