package connectors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go-crmsync/internal/common/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		kind   ErrorKind
		failed bool
	}{
		{200, "", false},
		{204, "", false},
		{400, KindTerminal, true},
		{401, KindAuthentication, true},
		{403, KindAuthentication, true},
		{404, KindTerminal, true},
		{408, KindTransient, true},
		{429, KindTransient, true},
		{500, KindTransient, true},
		{503, KindTransient, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			kind, failed := ClassifyStatus(tt.status)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.failed, failed)
		})
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("job: %w", newError(KindTransient, models.ProviderAmoCRM, "leads", errors.New("503")))

	assert.Equal(t, KindTransient, KindOf(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.Equal(t, KindTransient, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindTerminal, KindOf(errors.New("boom")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.False(t, IsRetryable(ConfigError(models.ProviderAvito, "x", ErrUnsupported)))
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(Connection{Provider: "pipedrive"}, Deps{})
	require.Error(t, err)
	assert.Equal(t, KindConfiguration, KindOf(err))
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
}

func TestNewRejectsMalformedCredentials(t *testing.T) {
	for _, p := range models.ProviderTypes() {
		t.Run(string(p), func(t *testing.T) {
			_, err := New(Connection{IntegrationID: "int-" + string(p), Provider: p}, Deps{})
			require.Error(t, err)
			assert.Equal(t, KindConfiguration, KindOf(err))
			assert.ErrorIs(t, err, ErrAdapterConstruction)
		})
	}
}
