package service

import (
	"auth_api/internal/auth"
	"auth_api/internal/cache"
	"auth_api/internal/models"
	"auth_api/internal/storage"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid"
)

type Service interface {
	Register(ctx context.Context, username, email, password string) (models.PublicUser, error)
	Authenticate(ctx context.Context, username, password string) (models.Session, error)
	GetProfile(ctx context.Context, id uuid.UUID) (models.PublicUser, error)
	RequireAuth(token string) (*auth.Claims, error)

	UsernameExists(ctx context.Context, username string) (bool, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	ChangePassword(ctx context.Context, id uuid.UUID, newPassword string) error
	DeleteUser(ctx context.Context, id uuid.UUID) (models.PublicUser, error)
	ListUsers(ctx context.Context, email string) ([]models.PublicUser, error)
	CountUsers(ctx context.Context) (int64, error)
}

// ProfileCache is satisfied by *cache.ProfileCache.
type ProfileCache interface {
	Fetch(ctx context.Context, id uuid.UUID, load cache.Loader) (models.PublicUser, error)
	Invalidate(ctx context.Context, id uuid.UUID)
}

type service struct {
	store  storage.RecordStore
	hasher *auth.Hasher
	tokens *auth.TokenService
	cache  ProfileCache
	log    *slog.Logger
}

type Option func(*service)

// WithProfileCache puts profile reads behind c.
func WithProfileCache(c ProfileCache) Option {
	return func(s *service) {
		s.cache = c
	}
}

func NewService(store storage.RecordStore, hasher *auth.Hasher, tokens *auth.TokenService, log *slog.Logger, opts ...Option) *service {
	s := &service{
		store:  store,
		hasher: hasher,
		tokens: tokens,
		log:    log,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *service) Register(ctx context.Context, username, email, password string) (models.PublicUser, error) {
	const op = "service.Register"

	if err := missingFields(
		field{"username", username},
		field{"email", email},
		field{"password", password},
	); err != nil {
		return models.PublicUser{}, fmt.Errorf("%s: %w", op, err)
	}

	exists, err := s.UsernameExists(ctx, username)
	if err != nil {
		return models.PublicUser{}, fmt.Errorf("%s: %w", op, err)
	}
	if exists {
		return models.PublicUser{}, fmt.Errorf("%s: %w", op, &ConflictError{Field: "username"})
	}

	exists, err = s.EmailExists(ctx, email)
	if err != nil {
		return models.PublicUser{}, fmt.Errorf("%s: %w", op, err)
	}
	if exists {
		return models.PublicUser{}, fmt.Errorf("%s: %w", op, &ConflictError{Field: "email"})
	}

	passwordHash, err := s.hashPassword(password)
	if err != nil {
		return models.PublicUser{}, fmt.Errorf("%s: %w", op, err)
	}

	row, err := s.store.Create(ctx, storage.UsersTable, storage.Row{
		"username":      username,
		"email":         email,
		"password_hash": passwordHash,
	})
	if err != nil {
		// The pre-checks race with concurrent registrations; the unique
		// constraints decide.
		if constraint, ok := storage.IsUniqueViolation(err); ok {
			switch constraint {
			case storage.UsersUsernameKey:
				return models.PublicUser{}, fmt.Errorf("%s: %w", op, &ConflictError{Field: "username"})
			case storage.UsersEmailKey:
				return models.PublicUser{}, fmt.Errorf("%s: %w", op, &ConflictError{Field: "email"})
			}
		}
		return models.PublicUser{}, storeFailure(op, err)
	}

	user, err := userFromRow(row)
	if err != nil {
		return models.PublicUser{}, storeFailure(op, err)
	}

	s.log.Info("user registered", slog.String("op", op), slog.String("user_id", user.ID.String()))

	return user.Public(), nil
}

func (s *service) Authenticate(ctx context.Context, username, password string) (models.Session, error) {
	const op = "service.Authenticate"

	if err := missingFields(
		field{"username", username},
		field{"password", password},
	); err != nil {
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	row, err := s.store.FindByFields(ctx, storage.UsersTable, storage.Fields{"username": username})
	if err != nil {
		return models.Session{}, storeFailure(op, err)
	}
	if row == nil {
		s.hasher.VerifyDummy(password)
		return models.Session{}, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	user, err := userFromRow(row)
	if err != nil {
		return models.Session{}, storeFailure(op, err)
	}

	if !s.hasher.Verify(password, user.PasswordHash) {
		return models.Session{}, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	token, err := s.tokens.Issue(user.ID, user.Username)
	if err != nil {
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	return models.Session{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
		Token:    token,
	}, nil
}

func (s *service) GetProfile(ctx context.Context, id uuid.UUID) (models.PublicUser, error) {
	const op = "service.GetProfile"

	load := func(ctx context.Context) (models.PublicUser, error) {
		user, err := s.findUser(ctx, id)
		if err != nil {
			return models.PublicUser{}, err
		}
		return user.Public(), nil
	}

	var (
		user models.PublicUser
		err  error
	)
	if s.cache != nil {
		user, err = s.cache.Fetch(ctx, id, load)
	} else {
		user, err = load(ctx)
	}
	if err != nil {
		return models.PublicUser{}, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (s *service) RequireAuth(token string) (*auth.Claims, error) {
	const op = "service.RequireAuth"

	if token == "" {
		return nil, fmt.Errorf("%s: %w: empty token", op, ErrUnauthorized)
	}

	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrUnauthorized, err)
	}

	return claims, nil
}

func (s *service) UsernameExists(ctx context.Context, username string) (bool, error) {
	return s.exists(ctx, "service.UsernameExists", storage.Fields{"username": username})
}

func (s *service) EmailExists(ctx context.Context, email string) (bool, error) {
	return s.exists(ctx, "service.EmailExists", storage.Fields{"email": email})
}

func (s *service) ChangePassword(ctx context.Context, id uuid.UUID, newPassword string) error {
	const op = "service.ChangePassword"

	if err := missingFields(field{"password", newPassword}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	passwordHash, err := s.hashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	row, err := s.store.Update(ctx, storage.UsersTable, id.String(), storage.Row{"password_hash": passwordHash})
	if err != nil {
		return storeFailure(op, err)
	}
	if row == nil {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	s.invalidate(ctx, id)
	s.log.Info("password changed", slog.String("op", op), slog.String("user_id", id.String()))

	return nil
}

func (s *service) DeleteUser(ctx context.Context, id uuid.UUID) (models.PublicUser, error) {
	const op = "service.DeleteUser"

	row, err := s.store.Delete(ctx, storage.UsersTable, id.String())
	if err != nil {
		return models.PublicUser{}, storeFailure(op, err)
	}
	if row == nil {
		return models.PublicUser{}, fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	user, err := userFromRow(row)
	if err != nil {
		return models.PublicUser{}, storeFailure(op, err)
	}

	s.invalidate(ctx, id)
	s.log.Info("user deleted", slog.String("op", op), slog.String("user_id", id.String()))

	return user.Public(), nil
}

func (s *service) ListUsers(ctx context.Context, email string) ([]models.PublicUser, error) {
	const op = "service.ListUsers"

	var (
		rows []storage.Row
		err  error
	)
	if email != "" {
		rows, err = s.store.FindAllByFields(ctx, storage.UsersTable, storage.Fields{"email": email})
	} else {
		rows, err = s.store.FindAll(ctx, storage.UsersTable)
	}
	if err != nil {
		return nil, storeFailure(op, err)
	}

	users := make([]models.PublicUser, 0, len(rows))
	for _, row := range rows {
		user, err := userFromRow(row)
		if err != nil {
			return nil, storeFailure(op, err)
		}
		users = append(users, user.Public())
	}

	return users, nil
}

func (s *service) CountUsers(ctx context.Context) (int64, error) {
	const op = "service.CountUsers"

	n, err := s.store.Count(ctx, storage.UsersTable, nil)
	if err != nil {
		return 0, storeFailure(op, err)
	}

	return n, nil
}

func (s *service) findUser(ctx context.Context, id uuid.UUID) (models.User, error) {
	row, err := s.store.FindByID(ctx, storage.UsersTable, id.String())
	if err != nil {
		return models.User{}, storeFailure("service.findUser", err)
	}
	if row == nil {
		return models.User{}, ErrNotFound
	}

	user, err := userFromRow(row)
	if err != nil {
		return models.User{}, storeFailure("service.findUser", err)
	}

	return user, nil
}

func (s *service) exists(ctx context.Context, op string, fields storage.Fields) (bool, error) {
	row, err := s.store.FindByFields(ctx, storage.UsersTable, fields)
	if err != nil {
		return false, storeFailure(op, err)
	}

	return row != nil, nil
}

func (s *service) hashPassword(password string) (string, error) {
	hash, err := s.hasher.Hash(password)
	if errors.Is(err, auth.ErrPasswordTooLong) {
		return "", &ValidationError{Message: "password must be at most 72 bytes"}
	}

	return hash, err
}

func (s *service) invalidate(ctx context.Context, id uuid.UUID) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, id)
	}
}

func userFromRow(row storage.Row) (models.User, error) {
	id, err := uuid.FromString(fmt.Sprint(row["id"]))
	if err != nil {
		return models.User{}, fmt.Errorf("user row: bad id: %w", err)
	}

	user := models.User{ID: id}
	user.Username, _ = row["username"].(string)
	user.Email, _ = row["email"].(string)
	user.PasswordHash, _ = row["password_hash"].(string)
	user.CreatedAt, _ = row["created_at"].(time.Time)
	user.UpdatedAt, _ = row["updated_at"].(time.Time)

	return user, nil
}
