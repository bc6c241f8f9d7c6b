package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mingleapp/chatd/internal/auth"
	"github.com/mingleapp/chatd/internal/config"
	"github.com/mingleapp/chatd/internal/protocol"
	"github.com/mingleapp/chatd/internal/storage"
)

var (
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// TokenVerifier authenticates a transport-level credential and resolves
// it to a user.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// ProfileProvider resolves display information for a username.
type ProfileProvider interface {
	Profile(ctx context.Context, username string) (*protocol.UserInfo, error)
}

// RelationshipProvider answers consent questions at room-creation time.
type RelationshipProvider interface {
	MessagingPolicy(ctx context.Context, userID string) (storage.Policy, error)
	Follows(ctx context.Context, userID, otherID string) (bool, error)
}

// JWTVerifier is a TokenVerifier over signed JWTs.
type JWTVerifier struct {
	cfg config.JWTConfig
}

// NewJWTVerifier builds a verifier for the configured signing key.
func NewJWTVerifier(cfg config.JWTConfig) *JWTVerifier {
	return &JWTVerifier{cfg: cfg}
}

// Verify parses and validates the token.
func (v *JWTVerifier) Verify(token string) (*auth.Claims, error) {
	return auth.ParseToken(v.cfg, token)
}

// Service owns account registration, login, and profile lookups against
// the user store. The broker core only sees the provider interfaces.
type Service struct {
	store storage.Store
	jwt   config.JWTConfig
}

// NewService constructs the identity service.
func NewService(store storage.Store, jwt config.JWTConfig) *Service {
	return &Service{store: store, jwt: jwt}
}

// Register creates an account and issues a token for it.
func (s *Service) Register(ctx context.Context, username, password string) (*storage.User, string, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, "", ErrInvalidCredentials
	}
	if strings.Contains(username, protocol.RoomNameSeparator) {
		// Room names are derived by splitting on the separator.
		return nil, "", ErrInvalidCredentials
	}

	if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
		return nil, "", ErrUserExists
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, "", err
	}

	hashed, err := auth.HashPassword(password)
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	user := &storage.User{
		ID:        uuid.NewString(),
		Username:  username,
		Name:      username,
		Password:  hashed,
		Policy:    storage.PolicyAll,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, "", err
	}

	token, err := auth.NewToken(s.jwt, user.ID, user.Username)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Login authenticates credentials and issues a token.
func (s *Service) Login(ctx context.Context, username, password string) (*storage.User, string, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, "", ErrInvalidCredentials
	}

	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}
	if err := auth.ComparePassword(user.Password, password); err != nil {
		return nil, "", ErrInvalidCredentials
	}

	token, err := auth.NewToken(s.jwt, user.ID, user.Username)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Profile implements ProfileProvider with a read-through store lookup.
func (s *Service) Profile(ctx context.Context, username string) (*protocol.UserInfo, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	return &protocol.UserInfo{
		Username:        user.Username,
		Name:            user.Name,
		DisplayImageURL: user.ImageURL,
	}, nil
}

// MessagingPolicy implements RelationshipProvider.
func (s *Service) MessagingPolicy(ctx context.Context, userID string) (storage.Policy, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return "", err
	}
	return user.Policy, nil
}

// Follows implements RelationshipProvider.
func (s *Service) Follows(ctx context.Context, userID, otherID string) (bool, error) {
	return s.store.Follows(ctx, userID, otherID)
}
