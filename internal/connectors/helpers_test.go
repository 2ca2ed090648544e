package connectors

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/secrets"

	"go.uber.org/zap"
)

type memCredentials struct {
	mu     sync.Mutex
	stored secrets.Credentials
	loads  int
	saves  int
}

func (m *memCredentials) LoadCredentials(ctx context.Context, integrationID string) (secrets.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	return m.stored, nil
}

func (m *memCredentials) SaveCredentials(ctx context.Context, integrationID string, creds secrets.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.stored = creds
	return nil
}

type memSettings struct {
	mu     sync.Mutex
	values map[string]interface{}
}

func (m *memSettings) MergeSettings(ctx context.Context, integrationID string, values map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = map[string]interface{}{}
	}
	for k, v := range values {
		m.values[k] = v
	}
	return nil
}

func testDeps(creds *memCredentials, settings *memSettings) Deps {
	d := Deps{
		HTTP:   NewHTTPClientWith(&http.Client{}, zap.NewNop()),
		Logger: zap.NewNop(),
	}
	if creds != nil {
		d.Credentials = creds
	}
	if settings != nil {
		d.Settings = settings
	}
	return d
}

// testConnection gives every test its own integration id so the shared
// refresh group and limiter registry do not leak between tests
func testConnection(t *testing.T, provider models.ProviderType, baseURL string, creds secrets.Credentials) Connection {
	return Connection{
		IntegrationID: t.Name(),
		TenantID:      "tenant-1",
		Provider:      provider,
		BaseURL:       baseURL,
		Settings:      map[string]interface{}{"rate_limit_per_second": 1000.0},
		Credentials:   creds,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(t *testing.T, r *http.Request) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
	return body
}
