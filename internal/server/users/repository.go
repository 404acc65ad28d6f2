package users

import "context"

// Repository persists users. Create fails with common.ErrorAlreadyExists on a
// taken username; lookups and mutations of a missing user fail with
// common.ErrorNotFound.
type Repository interface {
	Create(ctx context.Context, user *User) error
	GetByUsername(ctx context.Context, username string) (*User, error)
	Delete(ctx context.Context, username string) error
	List(ctx context.Context) ([]string, error)
	SetPasswordHash(ctx context.Context, username, hash string) error
}
