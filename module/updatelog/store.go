package updatelog

import (
	"context"

	"github.com/pkg/errors"
)

// ErrResyncRequired 游标早于保留窗口，增量补发无法保证无空洞，
// 调用方必须对该实体做整体重拉，而不是悄悄跳行。
var ErrResyncRequired = errors.New("cursor predates retained history, resync required")

// ResyncError 带保留下界的 ErrResyncRequired。客户端拿到 CompactedThrough
// 后把游标跳到该水位：水位之前的状态走快照重拉，之后的行日志里仍在，
// 照常增量补发。errors.Is(err, ErrResyncRequired) 成立。
type ResyncError struct {
	CompactedThrough int32
}

func (e *ResyncError) Error() string {
	return ErrResyncRequired.Error()
}

func (e *ResyncError) Is(target error) bool {
	return target == ErrResyncRequired
}

// Store 权威更新日志。
//
// Append 必须和它描述的状态变更落在同一次持久化事务里；seq 分配采用
// 对实体行计数器的读加一，同实体的两次提交不可能拿到同一个 seq，
// 失败的事务不占用 seq，因此提交成功的序列无空洞。
type Store interface {
	// Append 分配下一个 seq 并写入一行。返回已提交的行。
	Append(ctx context.Context, bucket Bucket, entityID int64, payload []byte) (Update, error)

	// RangeAfter 返回 seq > afterSeq 的行，严格升序、无空洞；limit <= 0 不限量。
	// 若 afterSeq 早于保留窗口，返回 ErrResyncRequired。
	RangeAfter(ctx context.Context, bucket Bucket, entityID int64, afterSeq int32, limit int) ([]Update, error)

	// MaxSeq 该实体当前已提交的最大 seq；没有任何行时为 0。
	MaxSeq(ctx context.Context, bucket Bucket, entityID int64) (int32, error)

	// Compact 按外部保留策略删除 seq <= throughSeq 的行，抬高保留下界。
	Compact(ctx context.Context, bucket Bucket, entityID int64, throughSeq int32) error
}
