package updatelog

import (
	"context"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// 集合与字段名
const (
	CollUpdates  = "sync_updates"
	CollEntities = "sync_entities"

	FieldBucket     = "bucket"
	FieldEntityID   = "entity_id"
	FieldSeq        = "seq"
	FieldDate       = "date"
	FieldPayload    = "payload"
	FieldIssuedSeq  = "issued_seq"
	FieldCompactWM  = "compact_wm"
	FieldUpdateTime = "update_time"
)

// MongoStore Mongo 实现。seq 计数器放在实体行（sync_entities）上，
// FindOneAndUpdate $inc 在同一事务里读加一；(bucket, entity_id, seq)
// 的唯一索引兜底，并发发同一个号会在插入时撞索引回滚。
type MongoStore struct {
	db *mongo.Database
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{db: db}
}

func (s *MongoStore) updates() *mongo.Collection {
	return s.db.Collection(CollUpdates)
}

func (s *MongoStore) entities() *mongo.Collection {
	return s.db.Collection(CollEntities)
}

func (s *MongoStore) Append(ctx context.Context, bucket Bucket, entityID int64, payload []byte) (Update, error) {
	var out Update

	sess, err := s.db.Client().StartSession()
	if err != nil {
		return out, pkgerrors.Wrap(err, "start session")
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		now := time.Now()
		filter := bson.M{FieldBucket: bucket, FieldEntityID: entityID}
		upd := bson.M{
			"$inc": bson.M{FieldIssuedSeq: int64(1)},
			"$set": bson.M{FieldUpdateTime: now},
			"$setOnInsert": bson.M{
				FieldBucket:    bucket,
				FieldEntityID:  entityID,
				FieldCompactWM: int64(0),
			},
		}
		opts := options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After).
			SetProjection(bson.M{FieldIssuedSeq: 1})

		var doc struct {
			IssuedSeq int64 `bson:"issued_seq"`
		}
		if err := s.entities().FindOneAndUpdate(sc, filter, upd, opts).Decode(&doc); err != nil {
			return nil, pkgerrors.Wrap(err, "alloc seq")
		}

		row := Update{
			Bucket:   bucket,
			EntityID: entityID,
			Seq:      int32(doc.IssuedSeq),
			Date:     now.UnixMilli(),
			Payload:  append([]byte(nil), payload...),
		}
		if _, err := s.updates().InsertOne(sc, row); err != nil {
			return nil, pkgerrors.Wrap(err, "insert update row")
		}
		out = row
		return nil, nil
	})
	if err != nil {
		return Update{}, err
	}
	return out, nil
}

func (s *MongoStore) RangeAfter(ctx context.Context, bucket Bucket, entityID int64, afterSeq int32, limit int) ([]Update, error) {
	// 先看保留下界
	var ent struct {
		CompactWM int64 `bson:"compact_wm"`
	}
	err := s.entities().FindOne(ctx,
		bson.M{FieldBucket: bucket, FieldEntityID: entityID},
		options.FindOne().SetProjection(bson.M{FieldCompactWM: 1}),
	).Decode(&ent)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(err, "load entity watermark")
	}
	if int64(afterSeq) < ent.CompactWM {
		return nil, &ResyncError{CompactedThrough: int32(ent.CompactWM)}
	}

	findOpts := options.Find().SetSort(bson.D{{Key: FieldSeq, Value: 1}})
	if limit > 0 {
		findOpts = findOpts.SetLimit(int64(limit))
	}
	cur, err := s.updates().Find(ctx, bson.M{
		FieldBucket:   bucket,
		FieldEntityID: entityID,
		FieldSeq:      bson.M{"$gt": afterSeq},
	}, findOpts)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "range updates")
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []Update
	if err := cur.All(ctx, &out); err != nil {
		return nil, pkgerrors.Wrap(err, "decode updates")
	}
	return out, nil
}

func (s *MongoStore) MaxSeq(ctx context.Context, bucket Bucket, entityID int64) (int32, error) {
	var doc struct {
		IssuedSeq int64 `bson:"issued_seq"`
	}
	err := s.entities().FindOne(ctx,
		bson.M{FieldBucket: bucket, FieldEntityID: entityID},
		options.FindOne().SetProjection(bson.M{FieldIssuedSeq: 1}),
	).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return 0, nil
		}
		return 0, pkgerrors.Wrap(err, "load max seq")
	}
	return int32(doc.IssuedSeq), nil
}

func (s *MongoStore) Compact(ctx context.Context, bucket Bucket, entityID int64, throughSeq int32) error {
	if _, err := s.updates().DeleteMany(ctx, bson.M{
		FieldBucket:   bucket,
		FieldEntityID: entityID,
		FieldSeq:      bson.M{"$lte": throughSeq},
	}); err != nil {
		return pkgerrors.Wrap(err, "delete compacted rows")
	}
	// $max 防回退
	_, err := s.entities().UpdateOne(ctx,
		bson.M{FieldBucket: bucket, FieldEntityID: entityID},
		bson.M{
			"$max": bson.M{FieldCompactWM: int64(throughSeq)},
			"$set": bson.M{FieldUpdateTime: time.Now()},
		},
	)
	return pkgerrors.Wrap(err, "raise compact watermark")
}

// EnsureIndexes 建索引；only-create-missing，重复执行安全。
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	collections := map[string][]mongo.IndexModel{
		CollUpdates: {{
			Keys: bson.D{{Key: FieldBucket, Value: 1},
				{Key: FieldEntityID, Value: 1},
				{Key: FieldSeq, Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_bucket_entity_seq"),
		}},
		CollEntities: {{
			Keys: bson.D{{Key: FieldBucket, Value: 1},
				{Key: FieldEntityID, Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_bucket_entity"),
		}},
	}

	for collName, indexes := range collections {
		coll := db.Collection(collName)

		existing, err := coll.Indexes().ListSpecifications(ctx)
		if err != nil {
			return fmt.Errorf("list indexes for %s: %w", collName, err)
		}
		existingNames := make(map[string]struct{}, len(existing))
		for _, spec := range existing {
			existingNames[spec.Name] = struct{}{}
		}

		// 只创建不存在的
		for _, idx := range indexes {
			if idx.Options != nil && idx.Options.Name != nil {
				if _, ok := existingNames[*idx.Options.Name]; ok {
					continue
				}
			}
			if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
				return fmt.Errorf("create index %s on %s: %w", *idx.Options.Name, collName, err)
			}
		}
	}
	return nil
}
