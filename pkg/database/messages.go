package database

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/datacarousel/carousel/pkg/types"
)

const messageColumns = `msg_id, msg_type, status, source, transform_id, num_contents, bulk_size, msg_content, created_at`

// AddMessage inserts an outbox row. Callers must invoke it inside the same
// transaction as the state change the message describes; that is what makes
// the outbox at-least-once without being at-most-zero.
func AddMessage(ctx context.Context, s Session, m *types.Message) (int64, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = types.Now()
	}
	if m.Status == 0 {
		m.Status = types.MessageStatusNew
	}

	q := s.Rebind(`INSERT INTO messages
		(msg_type, status, source, transform_id, num_contents, bulk_size, msg_content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING msg_id`)

	var id int64
	err := sqlx.GetContext(ctx, s, &id, q,
		m.MsgType, m.Status, m.Source, m.TransformID, m.NumContents, m.BulkSize, m.MsgContent, m.CreatedAt)
	if err != nil {
		return 0, wrapError("add message", err)
	}
	m.MsgID = id
	return id, nil
}

// MessageFilter narrows RetrieveMessages; nil fields are not filtered on.
type MessageFilter struct {
	BulkSize int
	MsgType  *types.MessageType
	Status   *types.MessageStatus
	Source   *types.MessageSource
}

// RetrieveMessages returns up to BulkSize messages for the external
// publisher, oldest first.
func RetrieveMessages(ctx context.Context, s Session, f MessageFilter) ([]types.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE 1 = 1`
	var args []any
	if f.MsgType != nil {
		q += ` AND msg_type = ?`
		args = append(args, *f.MsgType)
	}
	if f.Status != nil {
		q += ` AND status = ?`
		args = append(args, *f.Status)
	}
	if f.Source != nil {
		q += ` AND source = ?`
		args = append(args, *f.Source)
	}
	q += ` ORDER BY msg_id ASC`
	if f.BulkSize > 0 {
		q += ` LIMIT ?`
		args = append(args, f.BulkSize)
	}

	var out []types.Message
	if err := sqlx.SelectContext(ctx, s, &out, s.Rebind(q), args...); err != nil {
		return nil, wrapError("retrieve messages", err)
	}
	return out, nil
}

// DeleteMessages removes published messages by id.
func DeleteMessages(ctx context.Context, s Session, msgIDs []int64) error {
	if len(msgIDs) == 0 {
		return nil
	}
	q, args, err := sqlx.In(`DELETE FROM messages WHERE msg_id IN (?)`, msgIDs)
	if err != nil {
		return wrapError("delete messages", err)
	}
	if _, err := s.ExecContext(ctx, s.Rebind(q), args...); err != nil {
		return wrapError("delete messages", err)
	}
	return nil
}

// MessageUpdate changes one message's delivery status.
type MessageUpdate struct {
	MsgID  int64
	Status types.MessageStatus
}

// UpdateMessages applies delivery-status updates from the publisher.
func UpdateMessages(ctx context.Context, s Session, updates []MessageUpdate) error {
	for _, u := range updates {
		q := s.Rebind(`UPDATE messages SET status = ? WHERE msg_id = ?`)
		if _, err := s.ExecContext(ctx, q, u.Status, u.MsgID); err != nil {
			return wrapError("update messages", err)
		}
	}
	return nil
}
