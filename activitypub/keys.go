package activitypub

import (
	"fmt"
	"sync"
	"time"

	"github.com/foresightd/foresight/db"
	"github.com/foresightd/foresight/domain"
	"github.com/foresightd/foresight/util"
)

const (
	serverKeyBits     = 2048
	serverKeyCacheTTL = 5 * time.Minute
)

// KeyManager lazily creates and caches the server signing keypair. The
// cache is process-local; instances may briefly disagree within the TTL,
// which is fine because the persisted row is the source of truth.
type KeyManager struct {
	store *db.DB
	clock Clock

	mu       sync.Mutex
	cached   *domain.ServerKey
	cachedAt time.Time
}

func NewKeyManager(store *db.DB, clock Clock) *KeyManager {
	return &KeyManager{store: store, clock: clock}
}

// EnsureServerKey returns the singleton keypair, generating and
// persisting it on first use. A concurrent first boot may race; the
// fixed row id makes the last writer win, and since no delivery has been
// signed yet only the key's identity matters.
func (km *KeyManager) EnsureServerKey() (*domain.ServerKey, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	now := km.clock.Now()
	if km.cached != nil && now.Sub(km.cachedAt) < serverKeyCacheTTL {
		return km.cached, nil
	}

	key, err := km.store.ReadServerKey()
	if err != nil {
		return nil, fmt.Errorf("failed to read server key: %w", err)
	}

	if key == nil {
		pair, err := util.GeneratePemKeypair(serverKeyBits)
		if err != nil {
			return nil, err
		}
		key = &domain.ServerKey{
			Id:            domain.ServerKeyId,
			PrivateKeyPem: pair.Private,
			PublicKeyPem:  pair.Public,
			CreatedAt:     now,
		}
		if err := km.store.UpsertServerKey(key); err != nil {
			return nil, fmt.Errorf("failed to persist server key: %w", err)
		}
		// Re-read in case another writer won the race.
		if persisted, err := km.store.ReadServerKey(); err == nil && persisted != nil {
			key = persisted
		}
	}

	km.cached = key
	km.cachedAt = now
	return key, nil
}
