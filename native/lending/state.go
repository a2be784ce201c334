package lending

import (
	"sync"

	"cipherlend/crypto"
)

// engineState is the persistence contract the engine consumes. Implementations
// must treat each Put as atomic; the engine only writes after every fallible
// step of a transition has succeeded.
type engineState interface {
	GetMarket(asset string) (*Market, error)
	PutMarket(asset string, market *Market) error
	GetPosition(asset string, addr crypto.Address) (*Position, error)
	PutPosition(asset string, position *Position) error
	AssetList() ([]string, error)
	PutAssetList(assets []string) error
}

// MemoryState is an in-memory engineState used by tests and by lendingd in
// development mode. Durable persistence is an external collaborator: without
// the cipher engine's own ciphertext store, handles do not survive a restart.
type MemoryState struct {
	mu        sync.Mutex
	markets   map[string]Market
	positions map[string]Position
	assets    []string
}

// NewMemoryState constructs an empty state.
func NewMemoryState() *MemoryState {
	return &MemoryState{
		markets:   make(map[string]Market),
		positions: make(map[string]Position),
	}
}

func positionKey(asset string, addr crypto.Address) string {
	return asset + "/" + string(addr.Bytes())
}

// GetMarket returns a copy of the stored market, or nil when absent.
func (s *MemoryState) GetMarket(asset string) (*Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	market, ok := s.markets[asset]
	if !ok {
		return nil, nil
	}
	clone := market
	return &clone, nil
}

// PutMarket stores a copy of the market.
func (s *MemoryState) PutMarket(asset string, market *Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[asset] = *market
	return nil
}

// GetPosition returns a copy of the stored position, or nil when absent.
func (s *MemoryState) GetPosition(asset string, addr crypto.Address) (*Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	position, ok := s.positions[positionKey(asset, addr)]
	if !ok {
		return nil, nil
	}
	clone := position
	return &clone, nil
}

// PutPosition stores a copy of the position.
func (s *MemoryState) PutPosition(asset string, position *Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[positionKey(asset, position.Address)] = *position
	return nil
}

// AssetList returns the insertion-ordered list of ever-added assets.
func (s *MemoryState) AssetList() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.assets...), nil
}

// PutAssetList replaces the enumerable asset list.
func (s *MemoryState) PutAssetList(assets []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets = append([]string(nil), assets...)
	return nil
}
