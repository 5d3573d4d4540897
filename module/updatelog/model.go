package updatelog

import (
	"encoding/json"
	"fmt"
)

// Bucket 更新日志的粗粒度分区，按属主实体类型划分。
type Bucket int32

const (
	BucketUser  Bucket = 1
	BucketSpace Bucket = 2
	BucketChat  Bucket = 3
)

func (b Bucket) String() string {
	switch b {
	case BucketUser:
		return "user"
	case BucketSpace:
		return "space"
	case BucketChat:
		return "chat"
	default:
		return fmt.Sprintf("bucket(%d)", int32(b))
	}
}

func (b Bucket) Valid() bool {
	switch b {
	case BucketUser, BucketSpace, BucketChat:
		return true
	}
	return false
}

// EntityKey 日志游标的粒度：(bucket, entityId)
type EntityKey struct {
	Bucket   Bucket `json:"bucket"`
	EntityID int64  `json:"entityId"`
}

func (k EntityKey) String() string {
	return fmt.Sprintf("%s/%d", k.Bucket, k.EntityID)
}

// Update 服务端权威日志的一行。提交后不可变；(bucket, entityId, seq) 唯一，
// seq 对同一实体严格递增且无空洞。Payload 对引擎不透明，重放安全靠
// “整值合并”语义保证（payload 描述的是新值，不是相对增量）。
type Update struct {
	Bucket   Bucket          `json:"bucket" bson:"bucket"`
	EntityID int64           `json:"entityId" bson:"entity_id"`
	Seq      int32           `json:"seq" bson:"seq"`
	Date     int64           `json:"date" bson:"date"` // unix 毫秒
	Payload  json.RawMessage `json:"payload" bson:"payload"`
}

func (u Update) Key() EntityKey {
	return EntityKey{Bucket: u.Bucket, EntityID: u.EntityID}
}

// ResyncPoint 通知客户端某实体需要整体重拉时附带的保留下界：
// seq <= CompactedThrough 的历史已被压缩，之后的行仍可增量补发。
type ResyncPoint struct {
	Bucket           Bucket `json:"bucket"`
	EntityID         int64  `json:"entityId"`
	CompactedThrough int32  `json:"compactedThrough"`
}

func (p ResyncPoint) Key() EntityKey {
	return EntityKey{Bucket: p.Bucket, EntityID: p.EntityID}
}

// Cursor 客户端侧保存的 per-entity 水位：已见过的最大 seq。
type Cursor struct {
	Bucket      Bucket `json:"bucket"`
	EntityID    int64  `json:"entityId"`
	LastSeenSeq int32  `json:"lastSeenSeq"`
}

func (c Cursor) Key() EntityKey {
	return EntityKey{Bucket: c.Bucket, EntityID: c.EntityID}
}
