// Package validator implements the receiving side of the batch handoff:
// envelope verification, perceptual-hash consensus, and verdict delivery
// back to the originating pool.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upow-network/imagepool/internal/fault"
)

// Registry answers whether a pool wallet is allowed to submit batches.
type Registry interface {
	Allowed(ctx context.Context, poolWallet string) (bool, error)
}

// PoolRecord is one registered pool as published by the discovery service.
type PoolRecord struct {
	WalletAddress string `json:"wallet_address"`
	IP            string `json:"ip"`
	Port          int    `json:"port"`
}

// registryRefresh is how long a fetched allowlist stays cached.
const registryRefresh = time.Minute

// HTTPRegistry fetches the registered-pool list from a discovery endpoint
// and caches it briefly. Fetch failures fall back to the last good list.
type HTTPRegistry struct {
	url    string
	client *http.Client
	log    *zap.Logger

	mu        sync.Mutex
	allowed   map[string]bool
	fetchedAt time.Time
}

// NewHTTPRegistry creates a registry client for the given discovery URL.
func NewHTTPRegistry(url string, log *zap.Logger) *HTTPRegistry {
	return &HTTPRegistry{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

// Allowed reports whether poolWallet appears in the registered-pool list.
func (r *HTTPRegistry) Allowed(ctx context.Context, poolWallet string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.allowed == nil || time.Since(r.fetchedAt) > registryRefresh {
		if err := r.refresh(ctx); err != nil {
			if r.allowed == nil {
				return false, err
			}
			r.log.Warn("pool registry refresh failed, using cached list", zap.Error(err))
		}
	}
	return r.allowed[poolWallet], nil
}

// refresh replaces the cached allowlist. Caller holds the lock.
func (r *HTTPRegistry) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return fault.Transient(err, "build registry request")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fault.Transient(err, "fetch pool registry")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fault.Transient(fmt.Errorf("registry returned %s", resp.Status), "fetch pool registry")
	}

	var pools []PoolRecord
	if err := json.NewDecoder(resp.Body).Decode(&pools); err != nil {
		return fault.Transient(err, "decode pool registry")
	}

	allowed := make(map[string]bool, len(pools))
	for _, p := range pools {
		allowed[p.WalletAddress] = true
	}
	r.allowed = allowed
	r.fetchedAt = time.Now()
	return nil
}

// StaticRegistry is a fixed allowlist, used in tests and single-pool
// deployments.
type StaticRegistry map[string]bool

// NewStaticRegistry builds a StaticRegistry from wallet addresses.
func NewStaticRegistry(wallets ...string) StaticRegistry {
	s := make(StaticRegistry, len(wallets))
	for _, w := range wallets {
		s[w] = true
	}
	return s
}

// Allowed reports membership in the fixed list.
func (s StaticRegistry) Allowed(_ context.Context, poolWallet string) (bool, error) {
	return s[poolWallet], nil
}
