package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It is append-only: no Update/Delete methods exist.
type Repository interface {
	Append(ctx context.Context, e Event) error
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// Service records session audit information.
//
// Audit is best-effort: the Log* helpers never fail the calling flow, they log
// the append error instead.
type Service struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, l *slog.Logger) *Service {
	if l == nil {
		l = slog.Default()
	}
	return &Service{repo: repo, log: l, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Namespace == "" || e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Recent returns the newest events first.
func (s *Service) Recent(ctx context.Context, limit int) ([]Event, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	return s.repo.Recent(ctx, limit)
}

func (s *Service) record(ctx context.Context, e Event) {
	if err := s.Append(ctx, e); err != nil {
		s.log.Warn("audit append failed", "type", e.Type, "err", err)
	}
}

// Scope returns an auditor bound to one session namespace.
func (s *Service) Scope(namespace, ip string) *Scope {
	return &Scope{svc: s, namespace: namespace, ip: ip}
}

// Scope implements session.Auditor and feeds the authenticator hooks for one session.
type Scope struct {
	svc       *Service
	namespace string
	ip        string
}

// SessionEvent records a store lifecycle event (login, logout, ...).
func (a *Scope) SessionEvent(ctx context.Context, kind, username, detail string) {
	a.svc.record(ctx, Event{
		Namespace: a.namespace,
		Type:      EventType(kind),
		Username:  username,
		IPAddress: a.ip,
		Message:   detail,
	})
}

func (a *Scope) LogRefreshed(ctx context.Context) {
	a.svc.record(ctx, Event{Namespace: a.namespace, Type: EventTypeRefreshed, IPAddress: a.ip})
}

func (a *Scope) LogExpired(ctx context.Context, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	a.svc.record(ctx, Event{Namespace: a.namespace, Type: EventTypeExpired, IPAddress: a.ip, Message: msg})
}

func (a *Scope) LogAccessDenied(ctx context.Context, username, path string, reason error) {
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	a.svc.record(ctx, Event{
		Namespace: a.namespace,
		Type:      EventTypeAccessDenied,
		Username:  username,
		IPAddress: a.ip,
		Path:      path,
		Message:   msg,
	})
}
