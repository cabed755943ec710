package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campuskit/campus-admin-backend/internal/domain/errors"
	"github.com/campuskit/campus-admin-backend/internal/domain/security"
)

// SecurityRepository persists the IP block list and the trusted
// identity list.
type SecurityRepository struct {
	sessions *SessionManager
}

// NewSecurityRepository creates a PostgreSQL security repository.
func NewSecurityRepository(sessions *SessionManager) *SecurityRepository {
	return &SecurityRepository{sessions: sessions}
}

// UpsertBlockedIP inserts or reactivates a block entry for the IP,
// overwriting reason, expiry and author on conflict. The unique index on
// ip_address guarantees at most one row per address.
func (r *SecurityRepository) UpsertBlockedIP(ctx context.Context, block *security.BlockedIP) error {
	query := `
		INSERT INTO blocked_ips (id, ip_address, reason, blocked_by, blocked_at, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, true)
		ON CONFLICT (ip_address) DO UPDATE SET
			reason = EXCLUDED.reason,
			blocked_by = EXCLUDED.blocked_by,
			blocked_at = EXCLUDED.blocked_at,
			expires_at = EXCLUDED.expires_at,
			is_active = true`

	return r.sessions.RunWithRetry(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, query,
			block.ID, block.IPAddress, block.Reason, block.BlockedBy,
			block.BlockedAt, block.ExpiresAt)
		return err
	})
}

// DeactivateBlockedIP flips is_active on all rows for the IP (logical
// delete; history is retained). Returns the number of rows touched.
func (r *SecurityRepository) DeactivateBlockedIP(ctx context.Context, ipAddress string) (int64, error) {
	var affected int64
	err := r.sessions.RunWithRetry(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		tag, err := pool.Exec(ctx,
			`UPDATE blocked_ips SET is_active = false WHERE ip_address = $1`,
			ipAddress)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, errors.NewInternalError("failed to unblock ip").WithCause(err)
	}
	return affected, nil
}

// GetBlockedIP returns the block row for the IP, or nil when none exists.
func (r *SecurityRepository) GetBlockedIP(ctx context.Context, ipAddress string) (*security.BlockedIP, error) {
	query := `
		SELECT id, ip_address, reason, blocked_by, blocked_at, expires_at, is_active
		FROM blocked_ips WHERE ip_address = $1`

	var block *security.BlockedIP
	err := r.sessions.RunWithRetry(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		rows, err := pool.Query(ctx, query, ipAddress)
		if err != nil {
			return err
		}
		defer rows.Close()

		if !rows.Next() {
			block = nil
			return rows.Err()
		}
		b := &security.BlockedIP{}
		if err := rows.Scan(&b.ID, &b.IPAddress, &b.Reason, &b.BlockedBy,
			&b.BlockedAt, &b.ExpiresAt, &b.IsActive); err != nil {
			return err
		}
		block = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return block, nil
}

// ListBlockedIPs returns block entries, optionally only those currently
// in effect.
func (r *SecurityRepository) ListBlockedIPs(ctx context.Context, activeOnly bool) ([]*security.BlockedIP, error) {
	query := `
		SELECT id, ip_address, reason, blocked_by, blocked_at, expires_at, is_active
		FROM blocked_ips`
	if activeOnly {
		query += ` WHERE is_active = true AND (expires_at IS NULL OR expires_at > now())`
	}
	query += ` ORDER BY blocked_at DESC`

	var blocks []*security.BlockedIP
	err := r.sessions.RunWithRetry(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		rows, err := pool.Query(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		blocks = blocks[:0]
		for rows.Next() {
			b := &security.BlockedIP{}
			if err := rows.Scan(&b.ID, &b.IPAddress, &b.Reason, &b.BlockedBy,
				&b.BlockedAt, &b.ExpiresAt, &b.IsActive); err != nil {
				return err
			}
			blocks = append(blocks, b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errors.NewInternalError("failed to list blocked ips").WithCause(err)
	}
	return blocks, nil
}

// InsertTrustedIdentity adds a trust entry.
func (r *SecurityRepository) InsertTrustedIdentity(ctx context.Context, t *security.TrustedIdentity) error {
	query := `
		INSERT INTO trusted_identities (id, user_id, ip_address, email, reason, created_by, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	return r.sessions.RunWithRetry(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, query,
			t.ID, t.UserID, t.IPAddress, t.Email, t.Reason,
			t.CreatedBy, t.CreatedAt, t.ExpiresAt)
		return err
	})
}

// DeleteTrustedIdentity removes a trust entry.
func (r *SecurityRepository) DeleteTrustedIdentity(ctx context.Context, id uuid.UUID) error {
	return r.sessions.RunWithRetry(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		tag, err := pool.Exec(ctx, `DELETE FROM trusted_identities WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errors.NewNotFoundError("trusted identity")
		}
		return nil
	})
}

// ListTrustedIdentities returns all trust entries.
func (r *SecurityRepository) ListTrustedIdentities(ctx context.Context) ([]*security.TrustedIdentity, error) {
	return r.queryTrusted(ctx, `
		SELECT id, user_id, ip_address, email, reason, created_by, created_at, expires_at
		FROM trusted_identities ORDER BY created_at DESC`)
}

// FindTrustMatch returns the first non-expired trust entry covering the
// caller, or nil. Candidate rows are narrowed in SQL; the compound
// matching rule (a row with both user and IP binds them together) is
// applied in domain code.
func (r *SecurityRepository) FindTrustMatch(ctx context.Context, userID *uuid.UUID, ipAddress, email string) (*security.TrustedIdentity, error) {
	query := `
		SELECT id, user_id, ip_address, email, reason, created_by, created_at, expires_at
		FROM trusted_identities
		WHERE (expires_at IS NULL OR expires_at > now())
		  AND (($1::uuid IS NOT NULL AND user_id = $1)
		       OR ($2 <> '' AND ip_address = $2)
		       OR ($3 <> '' AND lower(email) = lower($3)))`

	candidates, err := r.queryTrusted(ctx, query, userID, ipAddress, email)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for _, t := range candidates {
		if t.Matches(userID, ipAddress, email, now) {
			return t, nil
		}
	}
	return nil, nil
}

func (r *SecurityRepository) queryTrusted(ctx context.Context, query string, args ...interface{}) ([]*security.TrustedIdentity, error) {
	var entries []*security.TrustedIdentity
	err := r.sessions.RunWithRetry(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		rows, err := pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		entries = entries[:0]
		for rows.Next() {
			t := &security.TrustedIdentity{}
			if err := rows.Scan(&t.ID, &t.UserID, &t.IPAddress, &t.Email,
				&t.Reason, &t.CreatedBy, &t.CreatedAt, &t.ExpiresAt); err != nil {
				return err
			}
			entries = append(entries, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errors.NewInternalError("failed to query trusted identities").WithCause(err)
	}
	return entries, nil
}
