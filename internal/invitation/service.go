// Package invitation handles inviting users to an account and accepting the
// invitation. Acceptance is a saga: attaching the user to the account is the
// authoritative step, and the follow-ups only ever degrade the result.
package invitation

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/tenantry/internal/domain"
	"github.com/gosuda/tenantry/internal/metrics"
	"github.com/gosuda/tenantry/internal/notify"
	"github.com/gosuda/tenantry/internal/replication"
)

var (
	ErrNotFound        = errors.New("invitation: not found")
	ErrAlreadyAccepted = errors.New("invitation: already accepted by another user")
	ErrInvalidEmail    = errors.New("invitation: invalid email")
	ErrNotOwner        = errors.New("invitation: only the account owner can invite")
)

// Follow-up step names.
const (
	StepReplicate = "replicate"
	StepSeatSync  = "seat-sync"
	StepNotify    = "notify"
)

// DefaultRole is used when an invitation names no role.
const DefaultRole = "member"

// SeatSyncer is the billing collaborator told about membership changes.
type SeatSyncer interface {
	SyncSeats(ctx context.Context, accountID uuid.UUID) error
}

// Notifier is the notification collaborator told about accepted invitations.
type Notifier interface {
	InvitationAccepted(ctx context.Context, inv *domain.Invitation, user *domain.User) error
}

// Replicator copies the accepting user into the tenant schema.
type Replicator interface {
	Replicate(ctx context.Context, user *domain.User, tenantID, roleLabel string) (replication.Outcome, error)
}

// Invitations is the subset of domain.InvitationRepository the service uses.
type Invitations interface {
	Create(ctx context.Context, inv *domain.Invitation) error
	GetByToken(ctx context.Context, token string) (*domain.Invitation, error)
	Accept(ctx context.Context, inv *domain.Invitation, userID uuid.UUID, at time.Time) error
}

// Accounts is the subset of domain.AccountRepository the service uses.
type Accounts interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)
}

// StepFailure records a follow-up that did not complete.
type StepFailure struct {
	Step  string `json:"step"`
	Error string `json:"error"`
}

// Result of a successful acceptance. Degraded lists follow-ups that failed;
// accepting again retries them.
type Result struct {
	Account    *domain.AccountRef
	Invitation *domain.Invitation
	Degraded   []StepFailure
}

type Service struct {
	invitations Invitations
	accounts    Accounts
	replicator  Replicator
	seats       SeatSyncer
	notifier    Notifier
	alerter     notify.Alerter
	audit       domain.AuditRepository
	metrics     *metrics.Metrics
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithSeatSyncer(s SeatSyncer) Option {
	return func(svc *Service) { svc.seats = s }
}

func WithNotifier(n Notifier) Option {
	return func(svc *Service) { svc.notifier = n }
}

func WithAlerter(a notify.Alerter) Option {
	return func(svc *Service) { svc.alerter = a }
}

func WithAudit(a domain.AuditRepository) Option {
	return func(svc *Service) { svc.audit = a }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(svc *Service) { svc.metrics = m }
}

func NewService(invitations Invitations, accounts Accounts, replicator Replicator, opts ...Option) *Service {
	svc := &Service{
		invitations: invitations,
		accounts:    accounts,
		replicator:  replicator,
		seats:       NopSeatSyncer{},
		notifier:    LogNotifier{},
		alerter:     notify.Nop{},
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Invite creates an invitation to account for email. Only the account owner
// may invite.
func (s *Service) Invite(ctx context.Context, account *domain.AccountRef, inviter uuid.UUID, email, role string) (*domain.Invitation, error) {
	if account == nil || account.OwnerID != inviter {
		return nil, fmt.Errorf("invitation.Service.Invite: %w", ErrNotOwner)
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return nil, fmt.Errorf("invitation.Service.Invite: %w: %w", ErrInvalidEmail, err)
	}
	if strings.TrimSpace(role) == "" {
		role = DefaultRole
	}

	inv := &domain.Invitation{
		ID:        uuid.New(),
		AccountID: account.ID,
		Email:     strings.ToLower(addr.Address),
		Role:      strings.ToLower(strings.TrimSpace(role)),
		Token:     newToken(),
		InvitedBy: inviter,
		CreatedAt: s.now(),
	}
	if err := s.invitations.Create(ctx, inv); err != nil {
		return nil, fmt.Errorf("invitation.Service.Invite: %w", err)
	}

	log.Info().
		Str("tenant_id", account.TenantID).
		Str("invitation_id", inv.ID.String()).
		Msg("invitation created")
	s.record(ctx, account.TenantID, inviter, "invitation.created", map[string]any{"invitation_id": inv.ID.String()})

	return inv, nil
}

// Accept redeems token for user. Once the membership grant commits Accept
// succeeds; replication, seat sync and notification failures are reported in
// Result.Degraded and never roll the grant back.
func (s *Service) Accept(ctx context.Context, token string, user *domain.User) (*Result, error) {
	inv, err := s.invitations.GetByToken(ctx, token)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("invitation.Service.Accept: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("invitation.Service.Accept: %w", err)
	}
	if inv.Accepted() && inv.AcceptedBy != nil && *inv.AcceptedBy != user.ID {
		return nil, fmt.Errorf("invitation.Service.Accept: %w", ErrAlreadyAccepted)
	}

	acct, err := s.accounts.GetByID(ctx, inv.AccountID)
	if err != nil {
		return nil, fmt.Errorf("invitation.Service.Accept: account: %w", err)
	}

	err = s.invitations.Accept(ctx, inv, user.ID, s.now())
	if errors.Is(err, domain.ErrConflict) {
		return nil, fmt.Errorf("invitation.Service.Accept: %w", ErrAlreadyAccepted)
	}
	if err != nil {
		return nil, fmt.Errorf("invitation.Service.Accept: grant: %w", err)
	}
	s.record(ctx, acct.TenantID, user.ID, "invitation.accepted", map[string]any{"invitation_id": inv.ID.String()})

	res := &Result{Account: acct.Ref(), Invitation: inv}
	for _, step := range s.followUps(acct, inv, user) {
		if err := step.run(ctx); err != nil {
			res.Degraded = append(res.Degraded, StepFailure{Step: step.name, Error: err.Error()})
			s.stepFailed(ctx, acct.TenantID, user, step.name, err)
		}
	}

	return res, nil
}

type followUp struct {
	name string
	run  func(ctx context.Context) error
}

// followUps are independent: each runs whatever the others did.
func (s *Service) followUps(acct *domain.Account, inv *domain.Invitation, user *domain.User) []followUp {
	return []followUp{
		{name: StepReplicate, run: func(ctx context.Context) error {
			_, err := s.replicator.Replicate(ctx, user, acct.TenantID, inv.Role)
			return err
		}},
		{name: StepSeatSync, run: func(ctx context.Context) error {
			return s.seats.SyncSeats(ctx, acct.ID)
		}},
		{name: StepNotify, run: func(ctx context.Context) error {
			return s.notifier.InvitationAccepted(ctx, inv, user)
		}},
	}
}

func (s *Service) stepFailed(ctx context.Context, tenantID string, user *domain.User, step string, err error) {
	s.metrics.InvitationStepFailed(step)
	log.Warn().Err(err).
		Str("tenant_id", tenantID).
		Str("user_id", user.ID.String()).
		Str("stage", step).
		Msg("invitation follow-up failed")

	// Replication raises its own alert.
	if step == StepReplicate {
		return
	}
	alertErr := s.alerter.Alert(context.WithoutCancel(ctx), notify.Alert{
		Title:    "invitation follow-up failed",
		Severity: notify.SeverityWarning,
		TenantID: tenantID,
		UserID:   user.ID.String(),
		Stage:    step,
		Err:      err,
	})
	if alertErr != nil && !errors.Is(alertErr, notify.ErrNoSinks) {
		log.Warn().Err(alertErr).Msg("operator alert not delivered")
	}
}

func (s *Service) record(ctx context.Context, tenantID string, actor uuid.UUID, action string, details map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(context.WithoutCancel(ctx), &domain.AuditEntry{
		ID:        uuid.New(),
		TenantID:  tenantID,
		ActorType: domain.ActorUser,
		ActorID:   actor.String(),
		Action:    action,
		Details:   details,
		CreatedAt: s.now(),
	})
	if err != nil {
		log.Warn().Err(err).Str("action", action).Msg("audit record failed")
	}
}

func newToken() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

// NopSeatSyncer is used when no billing module is wired.
type NopSeatSyncer struct{}

func (NopSeatSyncer) SyncSeats(context.Context, uuid.UUID) error { return nil }

// LogNotifier logs accepted invitations instead of sending mail.
type LogNotifier struct{}

func (LogNotifier) InvitationAccepted(_ context.Context, inv *domain.Invitation, user *domain.User) error {
	log.Info().
		Str("invitation_id", inv.ID.String()).
		Str("user_id", user.ID.String()).
		Msg("invitation accepted")
	return nil
}
