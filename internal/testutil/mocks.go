package testutil

import (
	"context"
	"time"

	"github.com/dgellow/identity-server/internal/oauth"
	"github.com/dgellow/identity-server/internal/storage"
	"github.com/stretchr/testify/mock"
)

var (
	_ storage.GrantStore              = (*MockGrantStore)(nil)
	_ storage.CodeChallengeRepository = (*MockCodeChallengeRepository)(nil)
	_ storage.UserRepository          = (*MockUserRepository)(nil)
	_ storage.BlacklistRepository     = (*MockBlacklist)(nil)
)

type MockGrantStore struct {
	mock.Mock
}

func (m *MockGrantStore) Exists(ctx context.Context, grantType oauth.GrantType, data string) (bool, error) {
	args := m.Called(ctx, grantType, data)
	return args.Bool(0), args.Error(1)
}

func (m *MockGrantStore) Get(ctx context.Context, grantType oauth.GrantType, data string) (*oauth.PersistentGrant, error) {
	args := m.Called(ctx, grantType, data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*oauth.PersistentGrant), args.Error(1)
}

func (m *MockGrantStore) Create(ctx context.Context, grant *oauth.PersistentGrant) error {
	args := m.Called(ctx, grant)
	return args.Error(0)
}

func (m *MockGrantStore) Delete(ctx context.Context, grantType oauth.GrantType, data string) (int, error) {
	args := m.Called(ctx, grantType, data)
	return args.Int(0), args.Error(1)
}

func (m *MockGrantStore) DeleteByClientAndUser(ctx context.Context, clientID, userID string) (int, error) {
	args := m.Called(ctx, clientID, userID)
	return args.Int(0), args.Error(1)
}

func (m *MockGrantStore) Exchange(ctx context.Context, consume oauth.GrantKey, issue *oauth.PersistentGrant) error {
	args := m.Called(ctx, consume, issue)
	return args.Error(0)
}

func (m *MockGrantStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	args := m.Called(ctx, now)
	return args.Int(0), args.Error(1)
}

func (m *MockGrantStore) NextExpiry(ctx context.Context) (time.Time, bool, error) {
	args := m.Called(ctx)
	return args.Get(0).(time.Time), args.Bool(1), args.Error(2)
}

type MockCodeChallengeRepository struct {
	mock.Mock
}

func (m *MockCodeChallengeRepository) Save(ctx context.Context, challenge *oauth.CodeChallenge) error {
	args := m.Called(ctx, challenge)
	return args.Error(0)
}

func (m *MockCodeChallengeRepository) Get(ctx context.Context, clientID string) (*oauth.CodeChallenge, error) {
	args := m.Called(ctx, clientID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*oauth.CodeChallenge), args.Error(1)
}

func (m *MockCodeChallengeRepository) Delete(ctx context.Context, clientID string) error {
	args := m.Called(ctx, clientID)
	return args.Error(0)
}

type MockUserRepository struct {
	mock.Mock
}

func (m *MockUserRepository) GetClaims(ctx context.Context, userID string) (map[string]any, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]any), args.Error(1)
}

type MockBlacklist struct {
	mock.Mock
}

func (m *MockBlacklist) Add(ctx context.Context, token string, expiresAt time.Time) error {
	args := m.Called(ctx, token, expiresAt)
	return args.Error(0)
}

func (m *MockBlacklist) Exists(ctx context.Context, token string) (bool, error) {
	args := m.Called(ctx, token)
	return args.Bool(0), args.Error(1)
}

func (m *MockBlacklist) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	args := m.Called(ctx, now)
	return args.Int(0), args.Error(1)
}
