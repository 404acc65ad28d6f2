// Package users is the credential store: accounts with argon2id password
// hashes, each owning one collection directory under the data root.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/ankisync/internal/common"
	"github.com/dmitrijs2005/ankisync/internal/cryptox"
	"github.com/dmitrijs2005/ankisync/internal/filex"
)

// dummyHash is verified against when the user does not exist, so unknown
// and known usernames take the same time to reject.
var dummyHash string

func init() {
	h, err := cryptox.HashPassword([]byte("ankisync"))
	if err != nil {
		panic(err)
	}
	dummyHash = h
}

type Service struct {
	repo     Repository
	dataRoot string
	db       *sql.DB
}

func NewService(repo Repository, dataRoot string) *Service {
	return &Service{repo: repo, dataRoot: dataRoot}
}

// CollectionDir returns the collection directory of username.
func (s *Service) CollectionDir(username string) (string, error) {
	dir, err := filex.SafeJoin(s.dataRoot, username)
	if err != nil {
		return "", fmt.Errorf("%w: %w", common.ErrorValidation, err)
	}
	return dir, nil
}

// AddUser creates the account and its collection directory.
func (s *Service) AddUser(ctx context.Context, username string, password []byte) error {
	dir, err := s.CollectionDir(username)
	if err != nil {
		return err
	}
	if len(password) == 0 {
		return fmt.Errorf("%w: empty password", common.ErrorValidation)
	}

	hash, err := cryptox.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := s.repo.Create(ctx, &User{Username: username, PasswordHash: hash}); err != nil {
		return fmt.Errorf("error creating user %s: %w", username, err)
	}

	if _, err := filex.EnsureDir(dir); err != nil {
		return fmt.Errorf("collection dir: %w", err)
	}
	return nil
}

// DeleteUser removes the account. The collection directory is left on disk.
func (s *Service) DeleteUser(ctx context.Context, username string) error {
	if err := s.repo.Delete(ctx, username); err != nil {
		return fmt.Errorf("error deleting user %s: %w", username, err)
	}
	return nil
}

func (s *Service) ListUsers(ctx context.Context) ([]string, error) {
	names, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing users: %w", err)
	}
	return names, nil
}

func (s *Service) SetPassword(ctx context.Context, username string, password []byte) error {
	if len(password) == 0 {
		return fmt.Errorf("%w: empty password", common.ErrorValidation)
	}
	hash, err := cryptox.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.repo.SetPasswordHash(ctx, username, hash); err != nil {
		return fmt.Errorf("error setting password for %s: %w", username, err)
	}
	return nil
}

// Authenticate checks the credentials and returns the user together with
// its collection directory. Any mismatch is reported as
// common.ErrorUnauthorized.
func (s *Service) Authenticate(ctx context.Context, username string, password []byte) (*User, string, error) {
	user, err := s.repo.GetByUsername(ctx, username)
	if err != nil && !errors.Is(err, common.ErrorNotFound) {
		return nil, "", fmt.Errorf("error loading user: %w", err)
	}

	hash := dummyHash
	if user != nil {
		hash = user.PasswordHash
	}
	ok, verr := cryptox.VerifyPassword(password, hash)
	if user == nil || verr != nil || !ok {
		return nil, "", common.ErrorUnauthorized
	}

	dir, err := s.CollectionDir(username)
	if err != nil {
		return nil, "", err
	}
	if !filex.IsDir(dir) {
		if dir, err = filex.EnsureDir(dir); err != nil {
			return nil, "", fmt.Errorf("collection dir: %w", err)
		}
	}
	return user, dir, nil
}

// Close releases the database opened by Open. Services built with
// NewService have nothing to close.
func (s *Service) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
