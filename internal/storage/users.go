package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// JobUserCreated is the job type enqueued whenever a user record is created.
const JobUserCreated = "user_created"

// CreateUser inserts a user with the given profile keys and, in the same
// transaction, enqueues a JobUserCreated job for the creation trigger.
// Returns ErrExists if the id is taken.
func (s *Store) CreateUser(ctx context.Context, id string, profile map[string]string) (User, error) {
	now := s.timestamp()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO users (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`, id, now)
		if err != nil {
			return fmt.Errorf("inserting user: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrExists
		}

		for k, v := range profile {
			if err := setProfileKeyTx(ctx, tx, id, k, v, now); err != nil {
				return err
			}
		}

		payload, err := json.Marshal(map[string]string{"uid": id})
		if err != nil {
			return fmt.Errorf("marshalling trigger payload: %w", err)
		}
		return enqueueJobTx(ctx, tx, Job{
			ID:          uuid.New().String(),
			Type:        JobUserCreated,
			PayloadJSON: string(payload),
		}, now)
	})
	if err != nil {
		return User{}, err
	}
	return s.GetUser(ctx, id)
}

// GetUser returns the user record or ErrNotFound.
func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	var u User
	var createdAt string
	var initialized sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, history_initialized_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &createdAt, &initialized)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return User{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if initialized.Valid {
		if u.HistoryInitializedAt, err = parseTime(initialized.String); err != nil {
			return User{}, fmt.Errorf("parsing history_initialized_at: %w", err)
		}
	}
	return u, nil
}

// InitChatHistory marks the user's chat history as initialized. Running it
// again is a no-op. It returns ErrNotFound for unknown users and reports
// whether the flag was newly set.
func (s *Store) InitChatHistory(ctx context.Context, uid string) (bool, error) {
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var initialized sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT history_initialized_at FROM users WHERE id = ?`, uid).Scan(&initialized)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if initialized.Valid {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE users SET history_initialized_at = ? WHERE id = ?`, s.timestamp(), uid); err != nil {
			return fmt.Errorf("marking history initialized: %w", err)
		}
		changed = true
		return nil
	})
	return changed, err
}

// --- User Profile ---

// UpdateProfileKeys upserts set and deletes unset for an existing user in
// one transaction. Returns ErrNotFound for an unknown user.
func (s *Store) UpdateProfileKeys(ctx context.Context, uid string, set map[string]string, unset []string) error {
	now := s.timestamp()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := userExistsTx(ctx, tx, uid); err != nil {
			return err
		}
		for k, v := range set {
			if err := setProfileKeyTx(ctx, tx, uid, k, v, now); err != nil {
				return err
			}
		}
		for _, k := range unset {
			if _, err := tx.ExecContext(ctx, `DELETE FROM user_profile WHERE user_id = ? AND key = ?`, uid, k); err != nil {
				return fmt.Errorf("deleting profile key %q: %w", k, err)
			}
		}
		return nil
	})
}

// GetProfileKeys returns every profile key for uid, or ErrNotFound if the
// user does not exist.
func (s *Store) GetProfileKeys(ctx context.Context, uid string) (map[string]string, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE id = ?`, uid).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM user_profile WHERE user_id = ?`, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		result[k] = v
	}
	return result, rows.Err()
}

func setProfileKeyTx(ctx context.Context, tx *sql.Tx, uid, key, value, now string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO user_profile (user_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		uid, key, value, now,
	)
	if err != nil {
		return fmt.Errorf("setting profile key %q: %w", key, err)
	}
	return nil
}

func userExistsTx(ctx context.Context, tx *sql.Tx, uid string) error {
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE id = ?`, uid).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return nil
}
