// Package approval issues the one-time passwords that let a remote viewer join the session.
//
// Every new connection opens a Request. The host operator accepts or denies it from the admin
// console; acceptance generates a password, stores its Argon2id hash, and hands the plain value to
// the Notifier so the coordinator can deliver it to the waiting connection.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"remoteconnect/cmd/security/password"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"
)

const (
	requestIDLen      = 8
	defaultDenyReason = "Connection refused by host"
)

// Notifier delivers decisions to the affected connection. Calls happen outside any lock.
type Notifier interface {
	Accepted(connID, password string)
	Regenerated(connID, password string)
	Denied(connID, reason string)
}

type nopNotifier struct{}

func (nopNotifier) Accepted(string, string)    {}
func (nopNotifier) Regenerated(string, string) {}
func (nopNotifier) Denied(string, string)      {}

// Service manages connection requests and issued passwords.
type Service struct {
	store      Store
	pw         password.Config
	clock      clockwork.Clock
	log        *slog.Logger
	notify     Notifier
	autoAccept bool
}

// Option configures the Service.
type Option func(*Service) error

// WithPasswordConfig sets the hashing cost and generated password length.
func WithPasswordConfig(cfg password.Config) Option {
	return func(s *Service) error {
		if cfg.OTPLength <= 0 {
			return ErrInvalidInput
		}
		s.pw = cfg
		return nil
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(s *Service) error {
		if c == nil {
			return ErrInvalidInput
		}
		s.clock = c
		return nil
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// WithAutoAccept marks the service as headless: callers accept every request right after
// announcing it.
func WithAutoAccept(on bool) Option {
	return func(s *Service) error {
		s.autoAccept = on
		return nil
	}
}

// NewService constructs a Service with safe defaults.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	s := &Service{
		store:  store,
		pw:     password.DefaultConfig(),
		clock:  clockwork.NewRealClock(),
		log:    slog.Default(),
		notify: nopNotifier{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SetNotifier wires the delivery hook. It must be called before the first request.
func (s *Service) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	s.notify = n
}

// AutoAccept reports whether requests should be accepted without the operator.
func (s *Service) AutoAccept() bool { return s.autoAccept }

// CreateRequest opens a pending request for connID.
func (s *Service) CreateRequest(ctx context.Context, connID, addr string) (Request, error) {
	if err := ctx.Err(); err != nil {
		return Request{}, err
	}
	connID = strings.TrimSpace(connID)
	if connID == "" {
		return Request{}, ErrInvalidInput
	}

	r := Request{
		ID:        uuid.NewString()[:requestIDLen],
		ConnID:    connID,
		Addr:      addr,
		CreatedAt: s.clock.Now().UTC(),
		Status:    StatusPending,
	}
	if err := s.store.PutRequest(ctx, r); err != nil {
		return Request{}, fmt.Errorf("approval: put request: %w", err)
	}
	s.log.Info("approval.request", "request_id", r.ID, "conn_id", connID, "addr", addr, "auto_accept", s.autoAccept)
	return r, nil
}

// Accept issues a password for the request and notifies its connection.
func (s *Service) Accept(ctx context.Context, requestID string) (string, error) {
	r, err := s.pending(ctx, requestID)
	if err != nil {
		return "", err
	}

	pwd, err := s.issue(ctx, r.ConnID)
	if err != nil {
		return "", err
	}

	r.Status = StatusAccepted
	r.DecidedAt = s.clock.Now().UTC()
	if err := s.store.PutRequest(ctx, r); err != nil {
		return "", fmt.Errorf("approval: put request: %w", err)
	}

	s.log.Info("approval.accepted", "request_id", r.ID, "conn_id", r.ConnID)
	s.notify.Accepted(r.ConnID, pwd)
	return pwd, nil
}

// Deny rejects the request. The Notifier is expected to disconnect the connection.
func (s *Service) Deny(ctx context.Context, requestID, reason string) error {
	r, err := s.pending(ctx, requestID)
	if err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultDenyReason
	}

	r.Status = StatusDenied
	r.DecidedAt = s.clock.Now().UTC()
	if err := s.store.PutRequest(ctx, r); err != nil {
		return fmt.Errorf("approval: put request: %w", err)
	}

	s.log.Info("approval.denied", "request_id", r.ID, "conn_id", r.ConnID, "reason", reason)
	s.notify.Denied(r.ConnID, reason)
	return nil
}

// Verify checks pwd against the password issued to connID. A connection without a grant never
// verifies.
func (s *Service) Verify(ctx context.Context, connID, pwd string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	g, err := s.store.GetGrant(ctx, connID)
	if errors.Is(err, ErrNoPassword) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("approval: get grant: %w", err)
	}

	ok, err := s.pw.Verify(g.Hash, pwd)
	if err != nil {
		return false, fmt.Errorf("approval: verify: %w", err)
	}
	return ok, nil
}

// Regenerate replaces the password issued to connID and delivers the new one.
func (s *Service) Regenerate(ctx context.Context, connID string) (string, error) {
	if _, err := s.store.GetGrant(ctx, connID); err != nil {
		return "", err
	}
	pwd, err := s.issue(ctx, connID)
	if err != nil {
		return "", err
	}
	s.log.Info("approval.regenerated", "conn_id", connID)
	s.notify.Regenerated(connID, pwd)
	return pwd, nil
}

// Password returns the plain password issued to connID.
func (s *Service) Password(ctx context.Context, connID string) (string, error) {
	g, err := s.store.GetGrant(ctx, connID)
	if err != nil {
		return "", err
	}
	return g.Password, nil
}

// Passwords lists issued grants, oldest first.
func (s *Service) Passwords(ctx context.Context) ([]Grant, error) {
	return s.store.ListGrants(ctx)
}

// Pending lists requests still waiting for a decision, oldest first.
func (s *Service) Pending(ctx context.Context) ([]Request, error) {
	all, err := s.store.ListRequests(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Filter(all, func(r Request, _ int) bool { return r.Status == StatusPending }), nil
}

// Forget drops every request and grant owned by connID.
func (s *Service) Forget(ctx context.Context, connID string) error {
	return s.store.DeleteConn(ctx, connID)
}

func (s *Service) pending(ctx context.Context, requestID string) (Request, error) {
	if err := ctx.Err(); err != nil {
		return Request{}, err
	}
	r, err := s.store.GetRequest(ctx, strings.TrimSpace(requestID))
	if err != nil {
		return Request{}, err
	}
	if r.Status != StatusPending {
		return Request{}, ErrAlreadyDecided
	}
	return r, nil
}

func (s *Service) issue(ctx context.Context, connID string) (string, error) {
	pwd, err := s.pw.Generate()
	if err != nil {
		return "", err
	}
	hash, err := s.pw.Hash(pwd)
	if err != nil {
		return "", fmt.Errorf("approval: hash: %w", err)
	}
	g := Grant{ConnID: connID, Password: pwd, Hash: hash, IssuedAt: s.clock.Now().UTC()}
	if err := s.store.PutGrant(ctx, g); err != nil {
		return "", fmt.Errorf("approval: put grant: %w", err)
	}
	return pwd, nil
}
