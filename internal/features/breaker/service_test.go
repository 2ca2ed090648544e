package breaker

import (
	"context"
	"testing"
	"time"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockIntegrations struct {
	Active      map[string]bool
	Reasons     map[string]string
	Activations int
}

func (m *MockIntegrations) Deactivate(ctx context.Context, id string, reason string) (bool, error) {
	if !m.Active[id] {
		return false, nil
	}
	m.Active[id] = false
	m.Reasons[id] = reason
	return true, nil
}

func (m *MockIntegrations) Activate(ctx context.Context, id string) error {
	m.Active[id] = true
	m.Activations++
	return nil
}

type MockAlerts struct {
	Created []Alert
}

func (m *MockAlerts) Create(ctx context.Context, alert *Alert) error {
	m.Created = append(m.Created, *alert)
	return nil
}

func (m *MockAlerts) List(ctx context.Context, limit int64) ([]Alert, error) {
	return m.Created, nil
}

func newTestBreaker(threshold int) (*BreakerServiceImpl, *MockIntegrations, *MockAlerts, *time.Time) {
	integrations := &MockIntegrations{Active: map[string]bool{"i1": true}, Reasons: map[string]string{}}
	alerts := &MockAlerts{}
	cfg := &config.Config{BreakerThreshold: threshold, BreakerWindow: time.Hour}

	svc := NewBreakerService(NewMemoryWindow(), integrations, alerts, cfg, zap.NewNop()).(*BreakerServiceImpl)
	clock := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }
	return svc, integrations, alerts, &clock
}

func TestBreakerTripsAfterThresholdIsExceeded(t *testing.T) {
	svc, integrations, alerts, _ := newTestBreaker(10)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		tripped, err := svc.RecordFailure(ctx, "i1", models.ProviderAmoCRM)
		require.NoError(t, err)
		assert.False(t, tripped, "failure %d", i+1)
	}
	assert.True(t, integrations.Active["i1"])

	tripped, err := svc.RecordFailure(ctx, "i1", models.ProviderAmoCRM)
	require.NoError(t, err)
	assert.True(t, tripped)
	assert.False(t, integrations.Active["i1"])
	assert.Contains(t, integrations.Reasons["i1"], "11 failures")

	require.Len(t, alerts.Created, 1)
	assert.Equal(t, int64(11), alerts.Created[0].Failures)

	tripped, err = svc.RecordFailure(ctx, "i1", models.ProviderAmoCRM)
	require.NoError(t, err)
	assert.False(t, tripped)
	assert.Len(t, alerts.Created, 1)
}

func TestBreakerForgetsOldFailures(t *testing.T) {
	svc, integrations, _, clock := newTestBreaker(2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.RecordFailure(ctx, "i1", models.ProviderBitrix24)
		require.NoError(t, err)
	}

	*clock = clock.Add(2 * time.Hour)
	tripped, err := svc.RecordFailure(ctx, "i1", models.ProviderBitrix24)
	require.NoError(t, err)
	assert.False(t, tripped)
	assert.True(t, integrations.Active["i1"])
}

func TestReactivateResetsWindow(t *testing.T) {
	svc, integrations, _, _ := newTestBreaker(1)
	ctx := context.Background()

	_, _ = svc.RecordFailure(ctx, "i1", models.ProviderAvito)
	tripped, err := svc.RecordFailure(ctx, "i1", models.ProviderAvito)
	require.NoError(t, err)
	require.True(t, tripped)

	require.NoError(t, svc.Reactivate(ctx, "i1"))
	assert.True(t, integrations.Active["i1"])

	tripped, err = svc.RecordFailure(ctx, "i1", models.ProviderAvito)
	require.NoError(t, err)
	assert.False(t, tripped)
}
