// Package services contains the server-side logic shared by the gRPC and
// HTTP transports: logging in, resolving host keys to sessions and handing
// operations to them.
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/ankisync/internal/common"
	"github.com/dmitrijs2005/ankisync/internal/logging"
	"github.com/dmitrijs2005/ankisync/internal/server/auth"
	"github.com/dmitrijs2005/ankisync/internal/server/sessions"
	"github.com/dmitrijs2005/ankisync/internal/server/syncops"
	"github.com/dmitrijs2005/ankisync/internal/server/users"
)

// Authenticator checks credentials and returns the user's collection
// directory. *users.Service implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, username string, password []byte) (*users.User, string, error)
}

// SyncService is what transports call.
type SyncService struct {
	users     Authenticator
	sessions  *sessions.Manager
	secretKey []byte
	validity  time.Duration
	logger    logging.Logger
}

func NewSyncService(a Authenticator, m *sessions.Manager, secretKey string, validity time.Duration, l logging.Logger) *SyncService {
	if l == nil {
		l = logging.Nop()
	}
	return &SyncService{
		users:     a,
		sessions:  m,
		secretKey: []byte(secretKey),
		validity:  validity,
		logger:    l.With("module", "sync_service"),
	}
}

// HostKey verifies the credentials and opens a new session for them.
func (s *SyncService) HostKey(ctx context.Context, username string, password []byte) (string, error) {
	u, dir, err := s.users.Authenticate(ctx, username, password)
	if err != nil {
		return "", err
	}

	key, sessionID, err := auth.IssueHostKey(u.Username, s.secretKey, s.validity)
	if err != nil {
		return "", fmt.Errorf("%w: issue host key: %w", common.ErrorInternal, err)
	}
	if _, err := s.sessions.Create(ctx, key, sessions.Owner{Username: u.Username, Dir: dir}); err != nil {
		return "", err
	}

	s.logger.Info(ctx, "host key issued", "user", u.Username, "session", sessionID)
	return key, nil
}

// Session resolves a host key. The key must be valid and still bound.
func (s *SyncService) Session(ctx context.Context, hostKey string) (*sessions.Session, error) {
	if hostKey == "" {
		return nil, common.ErrInvalidToken
	}
	claims, err := auth.ParseHostKey(hostKey, s.secretKey)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(ctx, hostKey)
	if err != nil {
		return nil, err
	}
	if sess.Owner().Username != claims.Username {
		return nil, common.ErrInvalidToken
	}
	return sess, nil
}

// Dispatch runs domain/op on the session bound to hostKey.
func (s *SyncService) Dispatch(ctx context.Context, hostKey, domain, op string, payload []byte) ([]byte, error) {
	d, err := syncops.ParseDomain(domain)
	if err != nil {
		return nil, err
	}
	sess, err := s.Session(ctx, hostKey)
	if err != nil {
		return nil, err
	}
	return sess.Dispatch(ctx, d, op, payload)
}

// Logout ends the session bound to hostKey.
func (s *SyncService) Logout(ctx context.Context, hostKey string) error {
	sess, err := s.Session(ctx, hostKey)
	if err != nil {
		return err
	}
	return s.sessions.Destroy(ctx, sess.HostKey())
}
