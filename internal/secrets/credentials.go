package secrets

import (
	"time"
)

// Credentials is the decrypted secret material of one CRM integration.
// Only the fields relevant to the provider's auth mode are populated.
type Credentials struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`

	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`

	// WebhookURL is the Bitrix24 inbound webhook base (https://portal/rest/1/code/).
	WebhookURL string `json:"webhook_url,omitempty"`
	// ApplicationToken authenticates Bitrix24 event deliveries.
	ApplicationToken string `json:"application_token,omitempty"`
	// WebhookSecret authenticates amoCRM and Avito deliveries.
	WebhookSecret string `json:"webhook_secret,omitempty"`

	Domain string            `json:"domain,omitempty"`
	Extra  map[string]string `json:"extra,omitempty"`
}

// HasOAuth reports whether the credentials carry a refreshable OAuth grant.
func (c *Credentials) HasOAuth() bool {
	return c != nil && c.RefreshToken != "" && c.ClientID != "" && c.ClientSecret != ""
}

// Expired reports whether the access token is past (or within skew of) its expiry.
// Tokens without an expiry are treated as valid.
func (c *Credentials) Expired(now time.Time, skew time.Duration) bool {
	if c == nil || c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.ExpiresAt)
}

// Merge overlays non-empty fields of other onto a copy of c.
func (c Credentials) Merge(other Credentials) Credentials {
	if other.AccessToken != "" {
		c.AccessToken = other.AccessToken
	}
	if other.RefreshToken != "" {
		c.RefreshToken = other.RefreshToken
	}
	if !other.ExpiresAt.IsZero() {
		c.ExpiresAt = other.ExpiresAt
	}
	if other.ClientID != "" {
		c.ClientID = other.ClientID
	}
	if other.ClientSecret != "" {
		c.ClientSecret = other.ClientSecret
	}
	if other.WebhookURL != "" {
		c.WebhookURL = other.WebhookURL
	}
	if other.ApplicationToken != "" {
		c.ApplicationToken = other.ApplicationToken
	}
	if other.WebhookSecret != "" {
		c.WebhookSecret = other.WebhookSecret
	}
	if other.Domain != "" {
		c.Domain = other.Domain
	}
	if len(other.Extra) > 0 {
		merged := make(map[string]string, len(c.Extra)+len(other.Extra))
		for k, v := range c.Extra {
			merged[k] = v
		}
		for k, v := range other.Extra {
			merged[k] = v
		}
		c.Extra = merged
	}
	return c
}
