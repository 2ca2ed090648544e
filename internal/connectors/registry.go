package connectors

import (
	"fmt"
	"net/http"

	"go-crmsync/internal/common/models"
)

// New returns the adapter for conn.Provider. Unknown providers and unusable
// credentials are configuration errors.
func New(conn Connection, deps Deps) (Adapter, error) {
	if deps.HTTP == nil {
		deps.HTTP = NewHTTPClientWith(&http.Client{Timeout: DefaultTimeout}, deps.Logger)
	}
	if conn.Settings == nil {
		conn.Settings = map[string]interface{}{}
	}

	switch conn.Provider {
	case models.ProviderBitrix24:
		return newBitrix24(conn, deps)
	case models.ProviderAmoCRM:
		return newAmoCRM(conn, deps)
	case models.ProviderAvito:
		return newAvito(conn, deps)
	default:
		return nil, ConfigError(conn.Provider, "new", fmt.Errorf("%w: %q", ErrProviderNotConfigured, conn.Provider))
	}
}

func constructionError(provider models.ProviderType, reason string) error {
	return ConfigError(provider, "new", fmt.Errorf("%w: %s", ErrAdapterConstruction, reason))
}
