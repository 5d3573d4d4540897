package syncer

import (
	"PSync/client/replica"
	"PSync/client/txn"
	"PSync/tools/decode"
	"sync/atomic"
	"time"
)

// tempMsgID 乐观占位消息的本地负数 ID，不会和服务端雪花 ID 撞车
var tempMsgID int64

func nextTempID() int64 {
	return -atomic.AddInt64(&tempMsgID, 1)
}

// SendMessage 入队一笔 sendMessage 事务。
// 先在副本里放一条 pending 占位消息（负数 ID），发出后：
// 成功 -> 删占位，权威行随更新流落库；失败/取消 -> 删占位，消息消失。
func (s *Syncer) SendMessage(chatID int64, fromID int64, text string) (*txn.Transaction, error) {
	tempID := nextTempID()
	tempRef := replica.Ref{Kind: replica.KindMessage, ID: tempID}

	t := txn.New("sendMessage", map[string]any{
		"chatId": chatID,
		"text":   text,
	}, txn.Hooks{
		Optimistic: func() {
			s.store.Insert(tempRef, replica.Object{
				"id":      tempID,
				"chatId":  chatID,
				"fromId":  fromID,
				"text":    text,
				"date":    time.Now().UnixMilli(),
				"pending": true,
			})
		},
		Apply: func(result map[string]any) {
			s.store.Batch(func() {
				s.store.Delete(tempRef)
				// 权威行通过更新流到达；这里先落一份，弱网下界面不闪
				if id, err := decode.ReadInt64(result, "messageId"); err == nil && id != 0 {
					s.store.Update(replica.Ref{Kind: replica.KindMessage, ID: id}, replica.Object{
						"id":     id,
						"chatId": chatID,
						"fromId": fromID,
						"text":   text,
					})
				}
			})
		},
		Failed:    func(error) { s.store.Delete(tempRef) },
		Cancelled: func() { s.store.Delete(tempRef) },
	})
	if err := s.engine.Enqueue(t); err != nil {
		return nil, err
	}
	return t, nil
}

// DeleteMessage 乐观地先从副本摘掉消息，失败时原样放回。
func (s *Syncer) DeleteMessage(chatID int64, messageID int64) (*txn.Transaction, error) {
	ref := replica.Ref{Kind: replica.KindMessage, ID: messageID}
	prev, existed := s.store.Get(ref)

	restore := func() {
		if existed {
			s.store.Insert(ref, prev)
		}
	}
	t := txn.New("deleteMessage", map[string]any{
		"chatId":    chatID,
		"messageId": messageID,
	}, txn.Hooks{
		Optimistic: func() { s.store.Delete(ref) },
		Failed:     func(error) { restore() },
		Cancelled:  restore,
	})
	if err := s.engine.Enqueue(t); err != nil {
		return nil, err
	}
	return t, nil
}
