package placement

import (
	"fmt"
	"sync"
	"sync/atomic"

	apperrors "github.com/zzenonn/chainstore/internal/errors"
	"github.com/zzenonn/chainstore/internal/repository/objectstore"
)

type stagingBucket struct {
	name string
	repo objectstore.ObjectRepository
}

// RoundRobinPlacer assigns slot i to bucket i mod n, in registration order.
// Next walks the same ring with its own cursor.
type RoundRobinPlacer struct {
	mu     sync.RWMutex
	ring   []stagingBucket
	byName map[string]int
	cursor atomic.Uint64
}

func NewRoundRobinPlacer() *RoundRobinPlacer {
	return &RoundRobinPlacer{byName: make(map[string]int)}
}

func (p *RoundRobinPlacer) RegisterBucket(bucketName string, repo objectstore.ObjectRepository) error {
	if bucketName == "" || repo == nil {
		return apperrors.Validationf("staging bucket needs a name and a repository")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, dup := p.byName[bucketName]; dup {
		return apperrors.Validationf("staging bucket %s registered twice", bucketName)
	}
	p.byName[bucketName] = len(p.ring)
	p.ring = append(p.ring, stagingBucket{name: bucketName, repo: repo})
	return nil
}

func (p *RoundRobinPlacer) GetRepositoryForBucket(bucketName string) (objectstore.ObjectRepository, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	i, ok := p.byName[bucketName]
	if !ok {
		return nil, fmt.Errorf("staging bucket %s: %w", bucketName, apperrors.ErrNotFound)
	}
	return p.ring[i].repo, nil
}

func (p *RoundRobinPlacer) Place(slot int) (string, objectstore.ObjectRepository, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.ring) == 0 {
		return "", nil, apperrors.ConfigNotSetError("staging.buckets")
	}
	if slot < 0 {
		slot = -slot
	}
	b := p.ring[slot%len(p.ring)]
	return b.name, b.repo, nil
}

func (p *RoundRobinPlacer) Next() (string, objectstore.ObjectRepository, error) {
	return p.Place(int(p.cursor.Add(1) - 1))
}

func (p *RoundRobinPlacer) ListBuckets() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, len(p.ring))
	for i, b := range p.ring {
		names[i] = b.name
	}
	return names
}

func (p *RoundRobinPlacer) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.ring)
}
