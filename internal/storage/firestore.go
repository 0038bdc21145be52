package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgellow/identity-server/internal/clock"
	"github.com/dgellow/identity-server/internal/crypto"
	"github.com/dgellow/identity-server/internal/log"
	"github.com/dgellow/identity-server/internal/oauth"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore batch write limit
const maxBatchSize = 500

var (
	_ GrantStore              = (*FirestoreGrantStore)(nil)
	_ DeviceRepository        = (*FirestoreDeviceRepository)(nil)
	_ CodeChallengeRepository = (*FirestoreCodeChallengeRepository)(nil)
	_ BlacklistRepository     = (*FirestoreBlacklist)(nil)
)

// GrantDoc is the Firestore shape of a persistent grant. The credential
// itself is stored encrypted; the document id is its hash.
type GrantDoc struct {
	Key        string `firestore:"key"`
	GrantType  string `firestore:"grant_type"`
	GrantData  string `firestore:"grant_data"`
	ClientID   string `firestore:"client_id"`
	UserID     string `firestore:"user_id"`
	Scope      string `firestore:"scope"`
	Expiration int64  `firestore:"expiration"`
	CreatedAt  int64  `firestore:"created_at"`
	ExpiresAt  int64  `firestore:"expires_at"`
}

type DeviceDoc struct {
	DeviceCode      string `firestore:"device_code"`
	UserCode        string `firestore:"user_code"`
	ClientID        string `firestore:"client_id"`
	Scope           string `firestore:"scope"`
	VerificationURI string `firestore:"verification_uri"`
	ExpiresIn       int64  `firestore:"expires_in"`
	Interval        int64  `firestore:"interval"`
	CreatedAt       int64  `firestore:"created_at"`
}

type CodeChallengeDoc struct {
	ClientID  string `firestore:"client_id"`
	Challenge string `firestore:"challenge"`
	Method    string `firestore:"method"`
}

type BlacklistDoc struct {
	ExpiresAt int64 `firestore:"expires_at"`
}

// NewFirestoreBackend creates a Firestore client and builds every store on
// it. Collections are named after collection with a per-store suffix.
func NewFirestoreBackend(ctx context.Context, projectID, database, collection string, encryptor crypto.Encryptor, clk clock.Clock) (*Backend, error) {
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	var client *firestore.Client
	var err error
	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	log.LogInfoWithFields("firestore", "Connected to Firestore", map[string]any{
		"project":    projectID,
		"database":   database,
		"collection": collection,
	})

	return &Backend{
		Grants:     NewFirestoreGrantStore(client, collection, encryptor, clk),
		Devices:    NewFirestoreDeviceRepository(client, collection+"_devices"),
		Challenges: NewFirestoreCodeChallengeRepository(client, collection+"_challenges"),
		Blacklist:  NewFirestoreBlacklist(client, collection+"_blacklist"),
		close:      []func() error{client.Close},
	}, nil
}

// FirestoreGrantStore keeps one document per grant. Exchange runs in a
// Firestore transaction, which retries on contention and fails the loser of
// a concurrent consumption when it re-reads the deleted document.
type FirestoreGrantStore struct {
	client     *firestore.Client
	collection string
	encryptor  crypto.Encryptor
	clock      clock.Clock
}

func NewFirestoreGrantStore(client *firestore.Client, collection string, encryptor crypto.Encryptor, clk clock.Clock) *FirestoreGrantStore {
	return &FirestoreGrantStore{client: client, collection: collection, encryptor: encryptor, clock: clk}
}

func (s *FirestoreGrantStore) doc(grantType oauth.GrantType, data string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(hashKey(string(grantType), data))
}

func (s *FirestoreGrantStore) toDoc(g *oauth.PersistentGrant) (*GrantDoc, error) {
	encrypted, err := s.encryptor.Encrypt(g.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt grant data: %w", err)
	}
	return &GrantDoc{
		Key:        g.Key,
		GrantType:  string(g.Type),
		GrantData:  encrypted,
		ClientID:   g.ClientID,
		UserID:     g.UserID,
		Scope:      g.Scope,
		Expiration: g.Expiration,
		CreatedAt:  g.CreatedAt.Unix(),
		ExpiresAt:  g.ExpiresAt().Unix(),
	}, nil
}

func (s *FirestoreGrantStore) fromSnapshot(snap *firestore.DocumentSnapshot) (*oauth.PersistentGrant, error) {
	var d GrantDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal grant: %w", err)
	}
	data, err := s.encryptor.Decrypt(d.GrantData)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt grant data: %w", err)
	}
	return &oauth.PersistentGrant{
		Key:        d.Key,
		Type:       oauth.GrantType(d.GrantType),
		Data:       data,
		ClientID:   d.ClientID,
		UserID:     d.UserID,
		Scope:      d.Scope,
		Expiration: d.Expiration,
		CreatedAt:  time.Unix(d.CreatedAt, 0),
	}, nil
}

// liveAt reports whether snap holds a grant that is unexpired at now. A
// missing document is not an error.
func liveAt(snap *firestore.DocumentSnapshot, err error, now time.Time) (bool, error) {
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, err
	}
	expiresAt, err := snap.DataAt("expires_at")
	if err != nil {
		return false, fmt.Errorf("reading grant expiry: %w", err)
	}
	exp, ok := expiresAt.(int64)
	if !ok {
		return false, fmt.Errorf("grant expiry has type %T", expiresAt)
	}
	return exp > now.Unix(), nil
}

func (s *FirestoreGrantStore) Exists(ctx context.Context, grantType oauth.GrantType, data string) (bool, error) {
	snap, err := s.doc(grantType, data).Get(ctx)
	ok, err := liveAt(snap, err, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("failed to get grant from Firestore: %w", err)
	}
	return ok, nil
}

func (s *FirestoreGrantStore) Get(ctx context.Context, grantType oauth.GrantType, data string) (*oauth.PersistentGrant, error) {
	snap, err := s.doc(grantType, data).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, oauth.ErrGrantNotFound
		}
		return nil, fmt.Errorf("failed to get grant from Firestore: %w", err)
	}
	g, err := s.fromSnapshot(snap)
	if err != nil {
		return nil, err
	}
	if g.Expired(s.clock.Now()) {
		return nil, oauth.ErrGrantNotFound
	}
	return g, nil
}

func (s *FirestoreGrantStore) Create(ctx context.Context, grant *oauth.PersistentGrant) error {
	now := s.clock.Now()
	prepareGrant(grant, now, crypto.NewKey)
	doc, err := s.toDoc(grant)
	if err != nil {
		return err
	}
	ref := s.doc(grant.Type, grant.Data)

	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		live, err := liveAt(snap, err, now)
		if err != nil {
			return err
		}
		if live {
			return oauth.ErrDuplicateGrant
		}
		// Set rather than Create: an expired leftover is overwritten.
		return tx.Set(ref, doc)
	})
	if errors.Is(err, oauth.ErrDuplicateGrant) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to store grant in Firestore: %w", err)
	}
	return nil
}

func (s *FirestoreGrantStore) Delete(ctx context.Context, grantType oauth.GrantType, data string) (int, error) {
	ref := s.doc(grantType, data)
	now := s.clock.Now()

	var found bool
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		found, err = liveAt(snap, err, now)
		if err != nil {
			return err
		}
		return tx.Delete(ref)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete grant from Firestore: %w", err)
	}
	if !found {
		return http.StatusNotFound, nil
	}
	return http.StatusOK, nil
}

func (s *FirestoreGrantStore) DeleteByClientAndUser(ctx context.Context, clientID, userID string) (int, error) {
	now := s.clock.Now().Unix()
	iter := s.client.Collection(s.collection).
		Where("client_id", "==", clientID).
		Where("user_id", "==", userID).
		Documents(ctx)
	defer iter.Stop()

	live := 0
	batch := s.client.Batch()
	batchSize := 0
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return live, fmt.Errorf("failed to iterate grants: %w", err)
		}

		var d GrantDoc
		if err := snap.DataTo(&d); err == nil && d.ExpiresAt > now {
			live++
		}
		batch.Delete(snap.Ref)
		batchSize++

		if batchSize >= maxBatchSize {
			if _, err := batch.Commit(ctx); err != nil {
				return live, fmt.Errorf("failed to commit batch: %w", err)
			}
			batch = s.client.Batch()
			batchSize = 0
		}
	}
	if batchSize > 0 {
		if _, err := batch.Commit(ctx); err != nil {
			return live, fmt.Errorf("failed to commit final batch: %w", err)
		}
	}

	if live == 0 {
		return 0, oauth.ErrGrantNotFound
	}
	return live, nil
}

func (s *FirestoreGrantStore) Exchange(ctx context.Context, consume oauth.GrantKey, issue *oauth.PersistentGrant) error {
	now := s.clock.Now()
	consumeRef := s.doc(consume.Type, consume.Data)

	var issueRef *firestore.DocumentRef
	var issueDoc *GrantDoc
	if issue != nil {
		prepareGrant(issue, now, crypto.NewKey)
		var err error
		if issueDoc, err = s.toDoc(issue); err != nil {
			return err
		}
		issueRef = s.doc(issue.Type, issue.Data)
	}

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		// Firestore transactions require every read before the first write.
		snap, err := tx.Get(consumeRef)
		found, err := liveAt(snap, err, now)
		if err != nil {
			return err
		}
		if !found {
			return oauth.ErrGrantNotFound
		}
		if issueRef != nil {
			snap, err := tx.Get(issueRef)
			taken, err := liveAt(snap, err, now)
			if err != nil {
				return err
			}
			if taken {
				return oauth.ErrDuplicateGrant
			}
		}

		if err := tx.Delete(consumeRef); err != nil {
			return err
		}
		if issueRef != nil {
			return tx.Set(issueRef, issueDoc)
		}
		return nil
	})
	if errors.Is(err, oauth.ErrGrantNotFound) || errors.Is(err, oauth.ErrDuplicateGrant) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to exchange grant in Firestore: %w", err)
	}
	return nil
}

func (s *FirestoreGrantStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	return sweepCollection(ctx, s.client, s.collection, now)
}

func (s *FirestoreGrantStore) NextExpiry(ctx context.Context) (time.Time, bool, error) {
	iter := s.client.Collection(s.collection).
		OrderBy("expires_at", firestore.Asc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query next expiry: %w", err)
	}
	var d GrantDoc
	if err := snap.DataTo(&d); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to unmarshal grant: %w", err)
	}
	return time.Unix(d.ExpiresAt, 0), true, nil
}

// sweepCollection deletes every document whose expires_at <= now.
func sweepCollection(ctx context.Context, client *firestore.Client, collection string, now time.Time) (int, error) {
	iter := client.Collection(collection).
		Where("expires_at", "<=", now.Unix()).
		Documents(ctx)
	defer iter.Stop()

	count := 0
	batch := client.Batch()
	batchSize := 0

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return count, fmt.Errorf("failed to iterate expired documents: %w", err)
		}

		batch.Delete(doc.Ref)
		batchSize++
		count++

		if batchSize >= maxBatchSize {
			if _, err := batch.Commit(ctx); err != nil {
				return count, fmt.Errorf("failed to commit batch: %w", err)
			}
			batch = client.Batch()
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if _, err := batch.Commit(ctx); err != nil {
			return count, fmt.Errorf("failed to commit final batch: %w", err)
		}
	}
	return count, nil
}

type FirestoreDeviceRepository struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreDeviceRepository(client *firestore.Client, collection string) *FirestoreDeviceRepository {
	return &FirestoreDeviceRepository{client: client, collection: collection}
}

func (r *FirestoreDeviceRepository) Create(ctx context.Context, d *oauth.Device) error {
	doc := DeviceDoc{
		DeviceCode:      d.DeviceCode,
		UserCode:        d.UserCode,
		ClientID:        d.ClientID,
		Scope:           d.Scope,
		VerificationURI: d.VerificationURI,
		ExpiresIn:       d.ExpiresIn,
		Interval:        d.Interval,
		CreatedAt:       d.CreatedAt.Unix(),
	}
	_, err := r.client.Collection(r.collection).Doc(hashKey(d.DeviceCode)).Create(ctx, doc)
	if status.Code(err) == codes.AlreadyExists {
		return oauth.ErrDuplicateGrant
	}
	if err != nil {
		return fmt.Errorf("failed to store device in Firestore: %w", err)
	}
	return nil
}

func (r *FirestoreDeviceRepository) GetByDeviceCode(ctx context.Context, deviceCode string) (*oauth.Device, error) {
	snap, err := r.client.Collection(r.collection).Doc(hashKey(deviceCode)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get device from Firestore: %w", err)
	}
	return deviceFromSnapshot(snap)
}

func (r *FirestoreDeviceRepository) findByUserCode(ctx context.Context, userCode string) (*firestore.DocumentSnapshot, error) {
	iter := r.client.Collection(r.collection).Where("user_code", "==", userCode).Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device by user code: %w", err)
	}
	return snap, nil
}

func (r *FirestoreDeviceRepository) GetByUserCode(ctx context.Context, userCode string) (*oauth.Device, error) {
	snap, err := r.findByUserCode(ctx, userCode)
	if err != nil {
		return nil, err
	}
	return deviceFromSnapshot(snap)
}

func deviceFromSnapshot(snap *firestore.DocumentSnapshot) (*oauth.Device, error) {
	var d DeviceDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device: %w", err)
	}
	return &oauth.Device{
		ClientID:        d.ClientID,
		DeviceCode:      d.DeviceCode,
		UserCode:        d.UserCode,
		Scope:           d.Scope,
		VerificationURI: d.VerificationURI,
		ExpiresIn:       d.ExpiresIn,
		Interval:        d.Interval,
		CreatedAt:       time.Unix(d.CreatedAt, 0),
	}, nil
}

func (r *FirestoreDeviceRepository) DeleteByDeviceCode(ctx context.Context, deviceCode string) error {
	ref := r.client.Collection(r.collection).Doc(hashKey(deviceCode))
	_, err := ref.Delete(ctx, firestore.Exists)
	if status.Code(err) == codes.NotFound {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete device from Firestore: %w", err)
	}
	return nil
}

func (r *FirestoreDeviceRepository) DeleteByUserCode(ctx context.Context, userCode string) error {
	snap, err := r.findByUserCode(ctx, userCode)
	if err != nil {
		return err
	}
	if _, err := snap.Ref.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete device from Firestore: %w", err)
	}
	return nil
}

type FirestoreCodeChallengeRepository struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreCodeChallengeRepository(client *firestore.Client, collection string) *FirestoreCodeChallengeRepository {
	return &FirestoreCodeChallengeRepository{client: client, collection: collection}
}

func (r *FirestoreCodeChallengeRepository) Save(ctx context.Context, c *oauth.CodeChallenge) error {
	doc := CodeChallengeDoc{ClientID: c.ClientID, Challenge: c.Challenge, Method: string(c.Method)}
	if _, err := r.client.Collection(r.collection).Doc(hashKey(c.ClientID)).Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to store code challenge in Firestore: %w", err)
	}
	return nil
}

func (r *FirestoreCodeChallengeRepository) Get(ctx context.Context, clientID string) (*oauth.CodeChallenge, error) {
	snap, err := r.client.Collection(r.collection).Doc(hashKey(clientID)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get code challenge from Firestore: %w", err)
	}
	var d CodeChallengeDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal code challenge: %w", err)
	}
	return &oauth.CodeChallenge{ClientID: d.ClientID, Challenge: d.Challenge, Method: oauth.ChallengeMethod(d.Method)}, nil
}

func (r *FirestoreCodeChallengeRepository) Delete(ctx context.Context, clientID string) error {
	_, err := r.client.Collection(r.collection).Doc(hashKey(clientID)).Delete(ctx, firestore.Exists)
	if status.Code(err) == codes.NotFound {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete code challenge from Firestore: %w", err)
	}
	return nil
}

type FirestoreBlacklist struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreBlacklist(client *firestore.Client, collection string) *FirestoreBlacklist {
	return &FirestoreBlacklist{client: client, collection: collection}
}

func (b *FirestoreBlacklist) Add(ctx context.Context, token string, expiresAt time.Time) error {
	doc := BlacklistDoc{ExpiresAt: expiresAt.Unix()}
	if _, err := b.client.Collection(b.collection).Doc(hashKey(token)).Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to blacklist token in Firestore: %w", err)
	}
	return nil
}

func (b *FirestoreBlacklist) Exists(ctx context.Context, token string) (bool, error) {
	_, err := b.client.Collection(b.collection).Doc(hashKey(token)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to check blacklist in Firestore: %w", err)
	}
	return true, nil
}

func (b *FirestoreBlacklist) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	return sweepCollection(ctx, b.client, b.collection, now)
}
