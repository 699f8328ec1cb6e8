package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrRepoNotFound = errors.New("repository not attached to channel")

// Repository is a channel's attached git repository. EncryptedKey holds the
// deploy key ciphertext; the plaintext only ever exists on disk inside the
// principal's credential directory while an operation is running.
type Repository struct {
	ChannelID    string
	RepoURL      string
	Principal    string
	EncryptedKey []byte
	CheckoutPath string
}

// SaveRepository inserts or replaces the channel's repository attachment.
func (s *Store) SaveRepository(ctx context.Context, r *Repository) error {
	if r.ChannelID == "" || r.RepoURL == "" || r.Principal == "" {
		return errors.New("repository requires channel_id, repo_url, and principal")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO repositories (channel_id, repo_url, principal, encrypted_key, checkout_path)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(channel_id) DO UPDATE SET
				repo_url = excluded.repo_url,
				principal = excluded.principal,
				encrypted_key = excluded.encrypted_key,
				checkout_path = excluded.checkout_path,
				updated_at = CURRENT_TIMESTAMP;
		`, r.ChannelID, r.RepoURL, r.Principal, r.EncryptedKey, r.CheckoutPath)
		if err != nil {
			return fmt.Errorf("save repository for %s: %w", r.ChannelID, err)
		}
		return nil
	})
}

func (s *Store) GetRepository(ctx context.Context, channelID string) (*Repository, error) {
	var repo *Repository
	err := retryOnBusy(ctx, 5, func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT channel_id, repo_url, principal, encrypted_key, checkout_path
			FROM repositories
			WHERE channel_id = ?;
		`, channelID)
		var r Repository
		if err := row.Scan(&r.ChannelID, &r.RepoURL, &r.Principal, &r.EncryptedKey, &r.CheckoutPath); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrRepoNotFound
			}
			return fmt.Errorf("scan repository for %s: %w", channelID, err)
		}
		repo = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return repo, nil
}

func (s *Store) DeleteRepository(ctx context.Context, channelID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM repositories WHERE channel_id = ?;`, channelID)
		if err != nil {
			return fmt.Errorf("delete repository for %s: %w", channelID, err)
		}
		return nil
	})
}

// RepoCountByPrincipal returns how many repositories each known principal
// currently serves. Principals with no repositories are absent from the map.
func (s *Store) RepoCountByPrincipal(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	err := retryOnBusy(ctx, 5, func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT principal, COUNT(*) FROM repositories GROUP BY principal;
		`)
		if err != nil {
			return fmt.Errorf("count repositories by principal: %w", err)
		}
		defer rows.Close()

		clear(counts)
		for rows.Next() {
			var principal string
			var n int
			if err := rows.Scan(&principal, &n); err != nil {
				return fmt.Errorf("scan principal count: %w", err)
			}
			counts[principal] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
