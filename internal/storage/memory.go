package storage

import (
	"context"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/dgellow/identity-server/internal/clock"
	"github.com/dgellow/identity-server/internal/crypto"
	"github.com/dgellow/identity-server/internal/log"
	"github.com/dgellow/identity-server/internal/oauth"
)

var (
	_ GrantStore              = (*MemoryGrantStore)(nil)
	_ DeviceRepository        = (*MemoryDeviceRepository)(nil)
	_ CodeChallengeRepository = (*MemoryCodeChallengeRepository)(nil)
	_ BlacklistRepository     = (*MemoryBlacklist)(nil)
	_ ClientRepository        = (*MemoryClientRepository)(nil)
	_ UserRepository          = (*MemoryUserRepository)(nil)
)

// NewMemoryBackend builds a single-process backend. Nothing survives a
// restart and nothing is shared between replicas.
func NewMemoryBackend(clk clock.Clock) *Backend {
	return &Backend{
		Grants:     NewMemoryGrantStore(clk),
		Devices:    NewMemoryDeviceRepository(),
		Challenges: NewMemoryCodeChallengeRepository(),
		Blacklist:  NewMemoryBlacklist(clk),
	}
}

// MemoryGrantStore keeps grants in a map guarded by one mutex; holding it
// for the whole of Exchange makes consume-then-create atomic.
type MemoryGrantStore struct {
	mu     sync.RWMutex
	grants map[oauth.GrantKey]*oauth.PersistentGrant
	clock  clock.Clock
}

func NewMemoryGrantStore(clk clock.Clock) *MemoryGrantStore {
	return &MemoryGrantStore{
		grants: make(map[oauth.GrantKey]*oauth.PersistentGrant),
		clock:  clk,
	}
}

// live returns the grant for key if it exists and has not expired.
// Callers hold s.mu.
func (s *MemoryGrantStore) live(key oauth.GrantKey, now time.Time) (*oauth.PersistentGrant, bool) {
	g, ok := s.grants[key]
	if !ok || g.Expired(now) {
		return nil, false
	}
	return g, true
}

func (s *MemoryGrantStore) Exists(ctx context.Context, grantType oauth.GrantType, data string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.live(oauth.GrantKey{Type: grantType, Data: data}, s.clock.Now())
	return ok, nil
}

func (s *MemoryGrantStore) Get(ctx context.Context, grantType oauth.GrantType, data string) (*oauth.PersistentGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.live(oauth.GrantKey{Type: grantType, Data: data}, s.clock.Now())
	if !ok {
		return nil, oauth.ErrGrantNotFound
	}
	return copyGrant(g), nil
}

func (s *MemoryGrantStore) Create(ctx context.Context, grant *oauth.PersistentGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.create(grant, s.clock.Now())
}

func (s *MemoryGrantStore) create(grant *oauth.PersistentGrant, now time.Time) error {
	if _, ok := s.live(grant.GrantKey(), now); ok {
		return oauth.ErrDuplicateGrant
	}
	prepareGrant(grant, now, crypto.NewKey)
	s.grants[grant.GrantKey()] = copyGrant(grant)

	log.LogTraceWithFields("storage", "Created grant", map[string]any{
		"type":      grant.Type,
		"client_id": grant.ClientID,
		"data":      log.Fingerprint(grant.Data),
	})
	return nil
}

func (s *MemoryGrantStore) Delete(ctx context.Context, grantType oauth.GrantType, data string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := oauth.GrantKey{Type: grantType, Data: data}
	_, ok := s.live(key, s.clock.Now())
	delete(s.grants, key)
	if !ok {
		return http.StatusNotFound, nil
	}
	return http.StatusOK, nil
}

func (s *MemoryGrantStore) DeleteByClientAndUser(ctx context.Context, clientID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	count := 0
	for key, g := range s.grants {
		if g.ClientID != clientID || g.UserID != userID {
			continue
		}
		if !g.Expired(now) {
			count++
		}
		delete(s.grants, key)
	}
	if count == 0 {
		return 0, oauth.ErrGrantNotFound
	}
	return count, nil
}

func (s *MemoryGrantStore) Exchange(ctx context.Context, consume oauth.GrantKey, issue *oauth.PersistentGrant) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if _, ok := s.live(consume, now); !ok {
		return oauth.ErrGrantNotFound
	}
	if issue != nil {
		if _, ok := s.live(issue.GrantKey(), now); ok {
			return oauth.ErrDuplicateGrant
		}
	}

	delete(s.grants, consume)
	if issue != nil {
		// Cannot fail: the duplicate check above ran under the same lock.
		_ = s.create(issue, now)
	}
	return nil
}

func (s *MemoryGrantStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key, g := range s.grants {
		if g.Expired(now) {
			delete(s.grants, key)
			count++
		}
	}
	return count, nil
}

func (s *MemoryGrantStore) NextExpiry(ctx context.Context) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var next time.Time
	found := false
	for _, g := range s.grants {
		if exp := g.ExpiresAt(); !found || exp.Before(next) {
			next, found = exp, true
		}
	}
	return next, found, nil
}

type MemoryDeviceRepository struct {
	mu      sync.RWMutex
	devices map[string]*oauth.Device // by device code
}

func NewMemoryDeviceRepository() *MemoryDeviceRepository {
	return &MemoryDeviceRepository{devices: make(map[string]*oauth.Device)}
}

func (r *MemoryDeviceRepository) Create(ctx context.Context, device *oauth.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[device.DeviceCode]; ok {
		return oauth.ErrDuplicateGrant
	}
	for _, d := range r.devices {
		if d.UserCode == device.UserCode {
			return oauth.ErrDuplicateGrant
		}
	}
	c := *device
	c.CreatedAt = c.CreatedAt.Truncate(time.Second)
	r.devices[device.DeviceCode] = &c
	return nil
}

func (r *MemoryDeviceRepository) GetByDeviceCode(ctx context.Context, deviceCode string) (*oauth.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[deviceCode]
	if !ok {
		return nil, ErrNotFound
	}
	c := *d
	return &c, nil
}

func (r *MemoryDeviceRepository) GetByUserCode(ctx context.Context, userCode string) (*oauth.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.devices {
		if d.UserCode == userCode {
			c := *d
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryDeviceRepository) DeleteByDeviceCode(ctx context.Context, deviceCode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[deviceCode]; !ok {
		return ErrNotFound
	}
	delete(r.devices, deviceCode)
	return nil
}

func (r *MemoryDeviceRepository) DeleteByUserCode(ctx context.Context, userCode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for code, d := range r.devices {
		if d.UserCode == userCode {
			delete(r.devices, code)
			return nil
		}
	}
	return ErrNotFound
}

type MemoryCodeChallengeRepository struct {
	mu         sync.RWMutex
	challenges map[string]oauth.CodeChallenge
}

func NewMemoryCodeChallengeRepository() *MemoryCodeChallengeRepository {
	return &MemoryCodeChallengeRepository{challenges: make(map[string]oauth.CodeChallenge)}
}

func (r *MemoryCodeChallengeRepository) Save(ctx context.Context, challenge *oauth.CodeChallenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.challenges[challenge.ClientID] = *challenge
	return nil
}

func (r *MemoryCodeChallengeRepository) Get(ctx context.Context, clientID string) (*oauth.CodeChallenge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.challenges[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (r *MemoryCodeChallengeRepository) Delete(ctx context.Context, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.challenges[clientID]; !ok {
		return ErrNotFound
	}
	delete(r.challenges, clientID)
	return nil
}

type MemoryBlacklist struct {
	mu     sync.RWMutex
	tokens map[string]time.Time
	clock  clock.Clock
}

func NewMemoryBlacklist(clk clock.Clock) *MemoryBlacklist {
	return &MemoryBlacklist{tokens: make(map[string]time.Time), clock: clk}
}

func (b *MemoryBlacklist) Add(ctx context.Context, token string, expiresAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens[token] = expiresAt
	return nil
}

func (b *MemoryBlacklist) Exists(ctx context.Context, token string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.tokens[token]
	return ok, nil
}

func (b *MemoryBlacklist) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for token, exp := range b.tokens {
		if !now.Before(exp) {
			delete(b.tokens, token)
			count++
		}
	}
	return count, nil
}

// MemoryClientRepository serves the clients declared in configuration.
type MemoryClientRepository struct {
	clients map[string]*oauth.Client
}

func NewMemoryClientRepository(clients []*oauth.Client) *MemoryClientRepository {
	m := make(map[string]*oauth.Client, len(clients))
	for _, c := range clients {
		m[c.ClientID] = c
	}
	return &MemoryClientRepository{clients: m}
}

func (r *MemoryClientRepository) GetByClientID(ctx context.Context, clientID string) (*oauth.Client, error) {
	c, ok := r.clients[clientID]
	if !ok {
		return nil, oauth.ErrClientNotFound
	}
	return c, nil
}

func (r *MemoryClientRepository) List(ctx context.Context) ([]*oauth.Client, error) {
	list := slices.Collect(maps.Values(r.clients))
	slices.SortFunc(list, func(a, b *oauth.Client) int { return int(a.ID - b.ID) })
	return list, nil
}

// MemoryUserRepository serves user claims declared in configuration.
type MemoryUserRepository struct {
	claims map[string]map[string]any
}

func NewMemoryUserRepository(claims map[string]map[string]any) *MemoryUserRepository {
	if claims == nil {
		claims = make(map[string]map[string]any)
	}
	return &MemoryUserRepository{claims: claims}
}

func (r *MemoryUserRepository) GetClaims(ctx context.Context, userID string) (map[string]any, error) {
	c, ok := r.claims[userID]
	if !ok || len(c) == 0 {
		return nil, oauth.ErrClaimsNotFound
	}
	return maps.Clone(c), nil
}
