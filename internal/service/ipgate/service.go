package ipgate

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campuskit/campus-admin-backend/internal/domain/audit"
	"github.com/campuskit/campus-admin-backend/internal/domain/errors"
	"github.com/campuskit/campus-admin-backend/internal/domain/security"
	"github.com/campuskit/campus-admin-backend/internal/metrics"
)

// BlocklistStore persists block and trust entries.
type BlocklistStore interface {
	UpsertBlockedIP(ctx context.Context, block *security.BlockedIP) error
	DeactivateBlockedIP(ctx context.Context, ipAddress string) (int64, error)
	GetBlockedIP(ctx context.Context, ipAddress string) (*security.BlockedIP, error)
	ListBlockedIPs(ctx context.Context, activeOnly bool) ([]*security.BlockedIP, error)
	InsertTrustedIdentity(ctx context.Context, t *security.TrustedIdentity) error
	DeleteTrustedIdentity(ctx context.Context, id uuid.UUID) error
	ListTrustedIdentities(ctx context.Context) ([]*security.TrustedIdentity, error)
	FindTrustMatch(ctx context.Context, userID *uuid.UUID, ipAddress, email string) (*security.TrustedIdentity, error)
}

// EventRecorder writes the audit record for a gate denial.
type EventRecorder interface {
	RecordEvent(ctx context.Context, event *audit.Event) error
}

// Caller identifies the party behind an inbound request.
type Caller struct {
	UserID    *uuid.UUID
	Email     string
	IPAddress string
	UserAgent string
}

// Service is the IP reputation gate. Trust entries dominate block
// entries; a storage failure while checking block status fails open so
// the security layer never becomes an availability outage.
type Service struct {
	store    BlocklistStore
	recorder EventRecorder
	metrics  *metrics.Registry
	logger   *zap.Logger
}

// NewService wires the gate.
func NewService(store BlocklistStore, recorder EventRecorder, reg *metrics.Registry, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		recorder: recorder,
		metrics:  reg,
		logger:   logger,
	}
}

// Authorize admits or rejects a caller. A matching trust entry allows
// without consulting the blocklist at all; an in-effect block rejects
// with Forbidden after the denial is recorded in the audit log.
func (s *Service) Authorize(ctx context.Context, caller Caller) error {
	trusted, err := s.trustMatch(ctx, caller.UserID, caller.IPAddress, caller.Email)
	if err != nil {
		s.logger.Warn("trust lookup failed, continuing to block check",
			zap.String("ip", caller.IPAddress),
			zap.Error(err))
	}
	if trusted != nil {
		s.metrics.RecordTrustBypass(ctx)
		return nil
	}

	block := s.activeBlock(ctx, caller.IPAddress)
	if block == nil {
		return nil
	}

	s.metrics.RecordBlockedRequest(ctx)
	s.recordDenial(ctx, caller, block)
	return errors.ErrIPBlocked
}

// IsIPBlocked reports whether the address has an in-effect block after
// trust entries are considered. Storage failure is logged and treated
// as not blocked.
func (s *Service) IsIPBlocked(ctx context.Context, ip string) bool {
	trusted, err := s.trustMatch(ctx, nil, ip, "")
	if err == nil && trusted != nil {
		return false
	}
	return s.activeBlock(ctx, ip) != nil
}

// IsTrusted reports whether a non-expired trust entry covers the
// identity or address.
func (s *Service) IsTrusted(ctx context.Context, userID *uuid.UUID, ip string) (bool, error) {
	match, err := s.trustMatch(ctx, userID, ip, "")
	if err != nil {
		return false, err
	}
	return match != nil, nil
}

// BlockIP adds or reactivates a block entry for the address,
// overwriting reason, expiry and author if one already exists.
func (s *Service) BlockIP(ctx context.Context, ip, reason, blockedBy string, expiresAt *time.Time) (*security.BlockedIP, error) {
	block, err := security.NewBlockedIP(ip, reason, blockedBy, expiresAt)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpsertBlockedIP(ctx, block); err != nil {
		return nil, err
	}
	s.logger.Info("ip blocked",
		zap.String("ip", block.IPAddress),
		zap.String("reason", reason))
	return block, nil
}

// UnblockIP logically deletes every block entry for the address.
func (s *Service) UnblockIP(ctx context.Context, ip string) error {
	n, err := s.store.DeactivateBlockedIP(ctx, ip)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.NewNotFoundError("blocked IP")
	}
	s.logger.Info("ip unblocked", zap.String("ip", ip), zap.Int64("entries", n))
	return nil
}

// ListBlockedIPs lists block entries, optionally only active ones.
func (s *Service) ListBlockedIPs(ctx context.Context, activeOnly bool) ([]*security.BlockedIP, error) {
	return s.store.ListBlockedIPs(ctx, activeOnly)
}

// AddTrustedIdentity registers a trust entry.
func (s *Service) AddTrustedIdentity(ctx context.Context, userID *uuid.UUID, ipAddress, email *string, reason, createdBy string, expiresAt *time.Time) (*security.TrustedIdentity, error) {
	entry, err := security.NewTrustedIdentity(userID, ipAddress, email, expiresAt)
	if err != nil {
		return nil, err
	}
	entry.Reason = reason
	entry.CreatedBy = createdBy
	if err := s.store.InsertTrustedIdentity(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// RemoveTrustedIdentity deletes a trust entry.
func (s *Service) RemoveTrustedIdentity(ctx context.Context, id uuid.UUID) error {
	return s.store.DeleteTrustedIdentity(ctx, id)
}

// ListTrustedIdentities lists all trust entries.
func (s *Service) ListTrustedIdentities(ctx context.Context) ([]*security.TrustedIdentity, error) {
	return s.store.ListTrustedIdentities(ctx)
}

func (s *Service) trustMatch(ctx context.Context, userID *uuid.UUID, ip, email string) (*security.TrustedIdentity, error) {
	if userID == nil && ip == "" && email == "" {
		return nil, nil
	}
	return s.store.FindTrustMatch(ctx, userID, ip, email)
}

// activeBlock returns the in-effect block for the address, or nil.
// Lookup failure is swallowed: the gate must not turn a storage outage
// into a request outage.
func (s *Service) activeBlock(ctx context.Context, ip string) *security.BlockedIP {
	if ip == "" {
		return nil
	}
	block, err := s.store.GetBlockedIP(ctx, ip)
	if err != nil {
		s.logger.Error("block check failed, treating as not blocked",
			zap.String("ip", ip),
			zap.Error(err))
		return nil
	}
	if block == nil || !block.InEffect(time.Now().UTC()) {
		return nil
	}
	return block
}

func (s *Service) recordDenial(ctx context.Context, caller Caller, block *security.BlockedIP) {
	event, err := audit.NewEvent(audit.ActionBlocked, audit.ResourceSecurity, audit.StatusFailure)
	if err != nil {
		s.logger.Error("denial event construction failed", zap.Error(err))
		return
	}
	event.UserID = caller.UserID
	event.IPAddress = caller.IPAddress
	event.UserAgent = caller.UserAgent
	event.ErrorMessage = "request from blocked IP address"
	event.Details.Kind = audit.DetailKindDenial
	event.Details.Denial = &audit.DenialDetail{
		BlockReason: block.Reason,
		BlockedBy:   block.BlockedBy,
		ExpiresAt:   block.ExpiresAt,
	}

	if err := s.recorder.RecordEvent(ctx, event); err != nil {
		s.logger.Error("denial audit write failed",
			zap.String("ip", caller.IPAddress),
			zap.Error(err))
	}
}
