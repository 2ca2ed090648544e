package ledger

import (
	"context"
	"sync"

	"go-crmsync/internal/common/models"
)

// MemoryRepository is an in-process LedgerRepository used by the CLI dry runs and tests
type MemoryRepository struct {
	mu       sync.Mutex
	entries  []Entry
	mappings map[string]EntityMapping

	// InsertErr, when set, fails every Insert
	InsertErr error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{mappings: map[string]EntityMapping{}}
}

func mappingKey(integrationID string, entityType models.EntityType, localID string) string {
	return integrationID + "|" + string(entityType) + "|" + localID
}

func (r *MemoryRepository) Insert(ctx context.Context, entry *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.InsertErr != nil {
		return r.InsertErr
	}
	r.entries = append(r.entries, *entry)
	return nil
}

// Entries returns a copy of every recorded entry in insertion order
func (r *MemoryRepository) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

func (r *MemoryRepository) matching(filter StatsFilter) []Entry {
	var out []Entry
	for _, e := range r.entries {
		if filter.IntegrationID != "" && e.IntegrationID != filter.IntegrationID {
			continue
		}
		if !filter.Range.Contains(e.CreatedAt) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (r *MemoryRepository) Stats(ctx context.Context, filter StatsFilter) ([]Stat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buckets := map[Stat]int64{}
	for _, e := range r.matching(filter) {
		buckets[Stat{EntityType: e.EntityType, Action: e.Action, Status: e.Status}]++
	}

	stats := make([]Stat, 0, len(buckets))
	for k, n := range buckets {
		k.Count = n
		stats = append(stats, k)
	}
	SortStats(stats)
	return stats, nil
}

func (r *MemoryRepository) Recent(ctx context.Context, filter StatsFilter, limit int64) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := r.matching(filter)
	var out []Entry
	for i := len(all) - 1; i >= 0 && int64(len(out)) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (r *MemoryRepository) UpsertMapping(ctx context.Context, m *EntityMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappings[mappingKey(m.IntegrationID, m.EntityType, m.LocalID)] = *m
	return nil
}

func (r *MemoryRepository) FindMapping(ctx context.Context, integrationID string, entityType models.EntityType, localID string) (*EntityMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mappings[mappingKey(integrationID, entityType, localID)]
	if !ok {
		return nil, ErrMappingNotFound
	}
	return &m, nil
}

func (r *MemoryRepository) FindByRemote(ctx context.Context, integrationID string, entityType models.EntityType, remoteID string) (*EntityMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.mappings {
		if m.IntegrationID == integrationID && m.EntityType == entityType && m.RemoteID == remoteID {
			found := m
			return &found, nil
		}
	}
	return nil, ErrMappingNotFound
}

func (r *MemoryRepository) MappedLocalIDs(ctx context.Context, integrationID string, entityType models.EntityType, localIDs []string) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]string{}
	for _, id := range localIDs {
		if m, ok := r.mappings[mappingKey(integrationID, entityType, id)]; ok {
			out[id] = m.RemoteID
		}
	}
	return out, nil
}

func (r *MemoryRepository) EnsureSchema(ctx context.Context) error { return nil }
