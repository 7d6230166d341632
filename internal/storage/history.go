package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// LoadTurns returns uid's chat history in the order it was appended.
func (s *Store) LoadTurns(ctx context.Context, uid string) ([]ChatTurn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, seq, role, content, tool_call_id, tool_name, tool_args, created_at
		FROM chat_turns WHERE user_id = ? ORDER BY seq ASC`, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []ChatTurn
	for rows.Next() {
		var t ChatTurn
		var createdAt string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Seq, &t.Role, &t.Content, &t.ToolCallID, &t.ToolName, &t.ToolArgs, &createdAt); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// AppendTurns appends turns to uid's history as one contiguous block. Turns
// from concurrent requests never interleave within a block. The assigned
// sequence numbers and ids are written back into the returned slice.
func (s *Store) AppendTurns(ctx context.Context, uid string, turns []ChatTurn) ([]ChatTurn, error) {
	if len(turns) == 0 {
		return nil, nil
	}
	now := s.timestamp()
	out := make([]ChatTurn, len(turns))
	copy(out, turns)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := userExistsTx(ctx, tx, uid); err != nil {
			return err
		}
		var last int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM chat_turns WHERE user_id = ?`, uid).Scan(&last); err != nil {
			return fmt.Errorf("reading history tail: %w", err)
		}
		for i := range out {
			t := &out[i]
			if t.ID == "" {
				t.ID = uuid.New().String()
			}
			t.UserID = uid
			t.Seq = last + int64(i) + 1
			_, err := tx.ExecContext(ctx, `
				INSERT INTO chat_turns (id, user_id, seq, role, content, tool_call_id, tool_name, tool_args, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				t.ID, uid, t.Seq, t.Role, t.Content, t.ToolCallID, t.ToolName, t.ToolArgs, now,
			)
			if err != nil {
				return fmt.Errorf("appending turn %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountTurns returns the number of persisted turns for uid.
func (s *Store) CountTurns(ctx context.Context, uid string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_turns WHERE user_id = ?`, uid).Scan(&n)
	return n, err
}
