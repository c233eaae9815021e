package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/npezzotti/go-dmchat/internal/database"
	"golang.org/x/crypto/bcrypt"
)

const BackendPassword = "password"

var ErrInvalidCredentials = errors.New("invalid credentials")

// Backend authenticates credentials and resolves the user a session
// belongs to. Sessions record the name of the backend that created them.
type Backend interface {
	Name() string
	Authenticate(ctx context.Context, username, password string) (database.User, error)
	GetUser(ctx context.Context, id int) (database.User, error)
}

type PasswordBackend struct {
	accounts database.AccountRepository
}

func NewPasswordBackend(accounts database.AccountRepository) *PasswordBackend {
	return &PasswordBackend{accounts: accounts}
}

func (b *PasswordBackend) Name() string {
	return BackendPassword
}

func (b *PasswordBackend) Authenticate(ctx context.Context, username, password string) (database.User, error) {
	user, err := b.accounts.GetAccountByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			// keep timing close to the known-user path
			bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return database.User{}, ErrInvalidCredentials
		}
		return database.User{}, fmt.Errorf("get account: %w", err)
	}

	if !VerifyPassword(user.PasswordHash, password) {
		return database.User{}, ErrInvalidCredentials
	}

	return user, nil
}

func (b *PasswordBackend) GetUser(ctx context.Context, id int) (database.User, error) {
	return b.accounts.GetAccountById(ctx, id)
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dummy password"), bcrypt.DefaultCost)

func HashPassword(passwd string) (string, error) {
	passwdHash, err := bcrypt.GenerateFromPassword([]byte(passwd), bcrypt.DefaultCost)
	return string(passwdHash), err
}

func VerifyPassword(passwdHash, passwd string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(passwdHash), []byte(passwd))
	return err == nil
}

// ParseBackends resolves configured backend names. Unknown names are an
// error so a misconfiguration fails at startup rather than at login.
func ParseBackends(names []string, accounts database.AccountRepository) (map[string]Backend, error) {
	if len(names) == 0 {
		return nil, errors.New("no auth backends configured")
	}

	backends := make(map[string]Backend, len(names))
	for _, name := range names {
		switch name {
		case BackendPassword:
			backends[name] = NewPasswordBackend(accounts)
		default:
			return nil, fmt.Errorf("unknown auth backend %q", name)
		}
	}

	return backends, nil
}
