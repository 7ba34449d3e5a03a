package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/gorelay/pkg/crypto"
	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/model"
)

// UserSeed is one account in a users YAML file. Password is hashed on
// import; PasswordHash restores an exported account as is.
type UserSeed struct {
	Username     string `yaml:"username"`
	Email        string `yaml:"email,omitempty"`
	FirstName    string `yaml:"first_name,omitempty"`
	LastName     string `yaml:"last_name,omitempty"`
	Password     string `yaml:"password,omitempty"`
	PasswordHash string `yaml:"password_hash,omitempty"`
	Role         string `yaml:"role,omitempty"`
}

// UsersFile is the top-level YAML for user import and export.
type UsersFile struct {
	Users []UserSeed `yaml:"users"`
}

// LoadUsersFromYAML reads a users YAML file and creates the accounts.
func LoadUsersFromYAML(ctx context.Context, path string, st datastore.DataProviderFactory) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return 0, fmt.Errorf("server: read users file: %w", err)
	}
	return ImportUsersYAML(ctx, data, st)
}

// ImportUsersYAML creates every account in data inside one transaction.
// Accounts whose username or email already exists are skipped. It returns
// how many accounts were created.
func ImportUsersYAML(ctx context.Context, data []byte, st datastore.DataProviderFactory) (int, error) {
	var file UsersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("server: parse users file: %w", err)
	}

	tx, err := st.Tx(ctx)
	if err != nil {
		return 0, fmt.Errorf("server: import users: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created := 0
	for _, seed := range file.Users {
		u, hash, err := seed.toUser()
		if err != nil {
			return 0, fmt.Errorf("server: import user %q: %w", seed.Username, err)
		}
		if err := tx.CreateUser(u, hash); err != nil {
			if errors.Is(err, datastore.ErrConflict) {
				slog.Debug("seed user exists, skipping", "username", seed.Username)
				continue
			}
			return 0, fmt.Errorf("server: import user %q: %w", seed.Username, err)
		}
		created++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("server: import users: %w", err)
	}

	slog.Info("imported users from YAML", "created", created, "total", len(file.Users))
	return created, nil
}

func (seed UserSeed) toUser() (*model.User, string, error) {
	if err := model.ValidateUsername(seed.Username); err != nil {
		return nil, "", err
	}
	hash := seed.PasswordHash
	if hash == "" {
		if seed.Password == "" {
			return nil, "", errors.New("password or password_hash required")
		}
		var err error
		if hash, err = crypto.HashPassword(seed.Password); err != nil {
			return nil, "", err
		}
	}
	return &model.User{
		Username:  seed.Username,
		Email:     seed.Email,
		FirstName: seed.FirstName,
		LastName:  seed.LastName,
		Role:      model.ParseRole(seed.Role),
		Status:    model.StatusOffline,
	}, hash, nil
}

// ExportUsersYAML exports all users, with their password hashes, as YAML.
func ExportUsersYAML(st datastore.DataStore) ([]byte, error) {
	users, err := st.ListUsers()
	if err != nil {
		return nil, fmt.Errorf("server: export users: %w", err)
	}

	export := UsersFile{Users: make([]UserSeed, 0, len(users))}
	for _, u := range users {
		_, hash, err := st.GetCredentials(u.Username)
		if err != nil {
			return nil, fmt.Errorf("server: export user %q: %w", u.Username, err)
		}
		export.Users = append(export.Users, UserSeed{
			Username:     u.Username,
			Email:        u.Email,
			FirstName:    u.FirstName,
			LastName:     u.LastName,
			PasswordHash: hash,
			Role:         u.Role.String(),
		})
	}
	return yaml.Marshal(&export)
}
