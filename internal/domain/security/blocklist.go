package security

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/campuskit/campus-admin-backend/internal/domain/errors"
)

// BlockedIP is a block-list row. Rows are never physically deleted;
// unblocking flips IsActive so the history survives.
type BlockedIP struct {
	ID        uuid.UUID  `json:"id"`
	IPAddress string     `json:"ip_address"`
	Reason    string     `json:"reason"`
	BlockedBy string     `json:"blocked_by"`
	BlockedAt time.Time  `json:"blocked_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"` // nil = permanent
	IsActive  bool       `json:"is_active"`
}

// NewBlockedIP creates a block entry with validation.
func NewBlockedIP(ipAddress, reason, blockedBy string, expiresAt *time.Time) (*BlockedIP, error) {
	ipAddress = strings.TrimSpace(ipAddress)
	if ipAddress == "" {
		return nil, errors.NewValidationError("MISSING_IP", "ip address is required")
	}
	if reason == "" {
		return nil, errors.NewValidationError("MISSING_REASON", "block reason is required")
	}
	return &BlockedIP{
		ID:        uuid.New(),
		IPAddress: ipAddress,
		Reason:    reason,
		BlockedBy: blockedBy,
		BlockedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
		IsActive:  true,
	}, nil
}

// InEffect reports whether the block currently applies: active and
// either permanent or not yet expired.
func (b *BlockedIP) InEffect(now time.Time) bool {
	if !b.IsActive {
		return false
	}
	return b.ExpiresAt == nil || b.ExpiresAt.After(now)
}

// TrustedIdentity exempts a user, IP or email from blocking and from
// anomaly-driven incident creation. A match requires every set field of
// the entry to match the caller: an entry with both user and IP binds
// them together, an entry with a bare IP matches any caller from it.
type TrustedIdentity struct {
	ID        uuid.UUID  `json:"id"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
	IPAddress *string    `json:"ip_address,omitempty"`
	Email     *string    `json:"email,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	CreatedBy string     `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// NewTrustedIdentity creates a trust entry; at least one selector must be set.
func NewTrustedIdentity(userID *uuid.UUID, ipAddress, email *string, expiresAt *time.Time) (*TrustedIdentity, error) {
	if userID == nil && ipAddress == nil && email == nil {
		return nil, errors.NewValidationError("MISSING_SELECTOR",
			"trusted identity needs a user, ip or email")
	}
	return &TrustedIdentity{
		ID:        uuid.New(),
		UserID:    userID,
		IPAddress: ipAddress,
		Email:     email,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	}, nil
}

// Expired reports whether the entry has lapsed.
func (t *TrustedIdentity) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// Matches reports whether this entry covers the given caller. Unset
// selector fields on the entry are wildcards; set fields must all match.
func (t *TrustedIdentity) Matches(userID *uuid.UUID, ipAddress, email string, now time.Time) bool {
	if t.Expired(now) {
		return false
	}
	if t.UserID == nil && t.IPAddress == nil && t.Email == nil {
		return false
	}
	if t.UserID != nil {
		if userID == nil || *t.UserID != *userID {
			return false
		}
	}
	if t.IPAddress != nil && *t.IPAddress != ipAddress {
		return false
	}
	if t.Email != nil && !strings.EqualFold(*t.Email, email) {
		return false
	}
	return true
}
