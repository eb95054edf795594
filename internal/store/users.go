package store

import (
	"context"
	"fmt"
)

// User is the persisted authentication record of one user id.
// The authenticated flag is session state and is not stored.
type User struct {
	ID               string
	Role             string
	PINHash          string
	PUKHash          string
	RemainingRetries int
	Blocked          bool
	PUKFailures      int
}

// User returns the user with the given id.
func (s *Store) User(ctx context.Context, id string) (User, error) {
	var u User
	var blocked int
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, role, pin_hash, puk_hash, remaining_retries, blocked, puk_failures
		FROM users WHERE user_id = ?
	`, id).Scan(&u.ID, &u.Role, &u.PINHash, &u.PUKHash, &u.RemainingRetries, &blocked, &u.PUKFailures)
	if err != nil {
		return User{}, fmt.Errorf("get user %q: %w", id, notFoundIfNoRows(err))
	}
	u.Blocked = blocked != 0
	return u, nil
}

// Users returns all users ordered by id.
func (s *Store) Users(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, role, pin_hash, puk_hash, remaining_retries, blocked, puk_failures
		FROM users ORDER BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		var u User
		var blocked int
		if err := rows.Scan(&u.ID, &u.Role, &u.PINHash, &u.PUKHash, &u.RemainingRetries, &blocked, &u.PUKFailures); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Blocked = blocked != 0
		users = append(users, u)
	}
	return users, rows.Err()
}

// ProvisionUser inserts a user if the id is not yet managed.
// Returns true if the row was inserted. Existing users are left untouched.
func (s *Store) ProvisionUser(ctx context.Context, u User) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, role, pin_hash, puk_hash, remaining_retries, blocked, puk_failures)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, u.ID, u.Role, u.PINHash, u.PUKHash, u.RemainingRetries, boolInt(u.Blocked), u.PUKFailures)
	if err != nil {
		return false, fmt.Errorf("provision user %q: %w", u.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("provision user %q: %w", u.ID, err)
	}
	return n == 1, nil
}

func putUser(ctx context.Context, q querier, u User) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO users (user_id, role, pin_hash, puk_hash, remaining_retries, blocked, puk_failures)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			role = excluded.role,
			pin_hash = excluded.pin_hash,
			puk_hash = excluded.puk_hash,
			remaining_retries = excluded.remaining_retries,
			blocked = excluded.blocked,
			puk_failures = excluded.puk_failures
	`, u.ID, u.Role, u.PINHash, u.PUKHash, u.RemainingRetries, boolInt(u.Blocked), u.PUKFailures)
	if err != nil {
		return fmt.Errorf("put user %q: %w", u.ID, err)
	}
	return nil
}
