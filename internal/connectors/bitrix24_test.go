package connectors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/secrets"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func oauthCreds(token string) secrets.Credentials {
	return secrets.Credentials{
		AccessToken:  token,
		RefreshToken: "refresh-1",
		ClientID:     "app",
		ClientSecret: "app-secret",
		Domain:       "portal.bitrix24.ru",
	}
}

func newBitrixAdapter(t *testing.T, srv *httptest.Server, creds secrets.Credentials, store *memCredentials, settings *memSettings) *bitrix24 {
	t.Helper()
	conn := testConnection(t, models.ProviderBitrix24, srv.URL, creds)
	conn.Settings["oauth_url"] = srv.URL + "/oauth/token/"
	a, err := New(conn, testDeps(store, settings))
	require.NoError(t, err)
	return a.(*bitrix24)
}

func TestBitrixCreateLeadSendsMultiValueContacts(t *testing.T) {
	var captured map[string]interface{}
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/crm.lead.add.json", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token-1", r.URL.Query().Get("auth"))
		captured = decodeBody(t, r)
		writeJSON(w, http.StatusOK, map[string]interface{}{"result": 42})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := newBitrixAdapter(t, srv, oauthCreds("token-1"), nil, nil)
	a.conn.Binding = BindingSettings{LeadSource: "CHAT", ResponsibleUserID: "7"}

	ref, err := a.CreateLead(context.Background(), Conversation{
		ID:        "conv-1",
		UserName:  "Ivan",
		UserPhone: "+79990000000",
	}, map[string]interface{}{"COMMENTS": "from bot"})
	require.NoError(t, err)
	assert.Equal(t, "42", ref.ID)

	fields := captured["fields"].(map[string]interface{})
	assert.Equal(t, "Chat: Ivan", fields["TITLE"])
	assert.Equal(t, "CHAT", fields["SOURCE_ID"])
	assert.Equal(t, "7", fields["ASSIGNED_BY_ID"])
	assert.Equal(t, "from bot", fields["COMMENTS"])
	assert.Equal(t, []interface{}{map[string]interface{}{"VALUE": "+79990000000", "VALUE_TYPE": "WORK"}}, fields["PHONE"])
}

func TestBitrixRefreshesOnceAndRetries(t *testing.T) {
	var calls, refreshes int32
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/crm.lead.add.json", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Query().Get("auth") != "token-2" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "expired_token", "error_description": "The access token provided has expired."})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"result": 100})
	})
	mux.HandleFunc("/oauth/token/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshes, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "refresh-1", r.PostForm.Get("refresh_token"))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token":  "token-2",
			"refresh_token": "refresh-2",
			"expires_in":    3600,
			"token_type":    "bearer",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := &memCredentials{stored: oauthCreds("token-1")}
	a := newBitrixAdapter(t, srv, oauthCreds("token-1"), store, nil)

	ref, err := a.CreateLead(context.Background(), Conversation{ID: "conv-1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "100", ref.ID)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.EqualValues(t, 1, atomic.LoadInt32(&refreshes))

	assert.Equal(t, 1, store.saves)
	assert.Equal(t, "token-2", store.stored.AccessToken)
	assert.Equal(t, "refresh-2", store.stored.RefreshToken)
	assert.Equal(t, "app-secret", store.stored.ClientSecret)
}

func TestBitrixUsesTokenRotatedByAnotherWorker(t *testing.T) {
	var refreshes int32
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/profile.json", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("auth") != "rotated" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "expired_token"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"result": map[string]interface{}{"ID": "1"}})
	})
	mux.HandleFunc("/oauth/token/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshes, 1)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := &memCredentials{stored: oauthCreds("rotated")}
	a := newBitrixAdapter(t, srv, oauthCreds("stale"), store, nil)

	require.NoError(t, a.TestConnection(context.Background()))
	assert.EqualValues(t, 0, atomic.LoadInt32(&refreshes))
}

func TestBitrixRefreshFailureIsTerminal(t *testing.T) {
	var calls, refreshes int32
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/profile.json", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "expired_token"})
	})
	mux.HandleFunc("/oauth/token/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshes, 1)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := newBitrixAdapter(t, srv, oauthCreds("token-1"), &memCredentials{stored: oauthCreds("token-1")}, nil)

	err := a.TestConnection(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindTerminal, KindOf(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.EqualValues(t, 1, atomic.LoadInt32(&refreshes))
}

func TestBitrixDoesNotRefreshTwice(t *testing.T) {
	var calls, refreshes int32
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/profile.json", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
	})
	mux.HandleFunc("/oauth/token/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshes, 1)
		writeJSON(w, http.StatusOK, map[string]interface{}{"access_token": "token-2", "expires_in": 3600})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := newBitrixAdapter(t, srv, oauthCreds("token-1"), nil, nil)

	err := a.TestConnection(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindAuthentication, KindOf(err))
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.EqualValues(t, 1, atomic.LoadInt32(&refreshes))
}

func TestBitrixQueryLimitIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "QUERY_LIMIT_EXCEEDED"})
	}))
	defer srv.Close()

	a := newBitrixAdapter(t, srv, secrets.Credentials{WebhookURL: srv.URL + "/rest/1/code/"}, nil, nil)

	_, err := a.GetUsers(context.Background())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestBitrixSendWithoutLineFailsFast(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	a := newBitrixAdapter(t, srv, oauthCreds("token-1"), nil, nil)

	_, err := a.SendMessage(context.Background(), OutboundMessage{
		Conversation: Conversation{ID: "conv-1", BotID: "bot-1"},
		Message:      Message{ID: "m1", Role: "user", Content: "hi"},
	})
	require.Error(t, err)
	assert.Equal(t, KindConfiguration, KindOf(err))
	assert.ErrorIs(t, err, ErrLineNotBound)
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls))
}

func TestBitrixRegisterConnectorIsIdempotent(t *testing.T) {
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.URL.Path)
		body := decodeBody(t, r)
		if r.URL.Path == "/rest/imconnector.register.json" {
			assert.Equal(t, ConnectorID("tenant-1", "bot-1"), body["ID"])
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"result": map[string]interface{}{"SUCCESS": true}})
	}))
	defer srv.Close()

	settings := &memSettings{}
	a := newBitrixAdapter(t, srv, oauthCreds("token-1"), nil, settings)

	reg := ConnectorRegistration{BotID: "bot-1", LineID: "5", Name: "Support bot", URL: "https://bots.example.com"}

	first, err := a.RegisterConnector(context.Background(), reg)
	require.NoError(t, err)
	assert.Equal(t, []string{"register", "activate", "data"}, first.Completed)
	assert.Equal(t, []string{
		"/rest/imconnector.register.json",
		"/rest/imconnector.activate.json",
		"/rest/imconnector.connector.data.set.json",
	}, methods)
	assert.Equal(t, true, settings.values[ConnectorSettingKey("bot-1", "registered")])
	assert.Equal(t, "5", settings.values[ConnectorSettingKey("bot-1", "activated_line")])

	second, err := a.RegisterConnector(context.Background(), reg)
	require.NoError(t, err)
	assert.Empty(t, second.Completed)
	assert.Equal(t, first.ConnectorID, second.ConnectorID)
	assert.Len(t, methods, 3)
}

func TestConnectorIDIsDeterministic(t *testing.T) {
	a := ConnectorID("tenant-1", "bot-1")
	assert.Equal(t, a, ConnectorID("tenant-1", "bot-1"))
	assert.NotEqual(t, a, ConnectorID("tenant-1", "bot-2"))
	assert.Len(t, a, len("botplatform_")+12)
}

func TestBitrixWebhookParsesOperatorMessages(t *testing.T) {
	a := newBitrixAdapter(t, httptest.NewServer(http.NotFoundHandler()), oauthCreds("token-1"), nil, nil)

	payload := []byte(`{
		"event": "ONIMCONNECTORMESSAGEADD",
		"data": {
			"CONNECTOR": "botplatform_abc",
			"LINE": "5",
			"MESSAGES": [{
				"im": {"chat_id": 11, "message_id": 22},
				"message": {"id": [901], "text": "Hello from operator"},
				"chat": {"id": "conv-1"},
				"user": {"name": "Anna"}
			}]
		},
		"auth": {"application_token": "app-token"}
	}`)

	events, err := a.HandleWebhook(context.Background(), payload)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, InboundOperatorMessage, ev.Kind)
	assert.Equal(t, "conv-1", ev.ConversationID)
	assert.Equal(t, "901", ev.ExternalMessageID)
	assert.Equal(t, "Hello from operator", ev.Text)
	assert.Equal(t, "5", ev.LineID)
	assert.Equal(t, "botplatform_abc", ev.Delivery["connector"])
}

func TestBitrixWebhookLifecycleAndTokens(t *testing.T) {
	a := newBitrixAdapter(t, httptest.NewServer(http.NotFoundHandler()), oauthCreds("token-1"), nil, nil)

	events, err := a.HandleWebhook(context.Background(), []byte(`{"event":"ONIMCONNECTORLINEDELETE","data":{"CONNECTOR":"c","LINE":"5"}}`))
	require.NoError(t, err)
	assert.Equal(t, InboundLifecycle, events[0].Kind)
	assert.Equal(t, "line", events[0].Lifecycle)

	events, err = a.HandleWebhook(context.Background(), []byte(`{"event":"ONAPPINSTALL","auth":{"access_token":"a","refresh_token":"r","expires_in":"3600","application_token":"t"}}`))
	require.NoError(t, err)
	require.Equal(t, InboundTokenUpdate, events[0].Kind)
	assert.Equal(t, "a", events[0].Credentials.AccessToken)
	assert.False(t, events[0].Credentials.ExpiresAt.IsZero())
}

func TestBitrixVerifyWebhook(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	creds := oauthCreds("token-1")
	creds.ApplicationToken = "app-token"
	a := newBitrixAdapter(t, srv, creds, nil, nil)

	assert.NoError(t, a.VerifyWebhook(WebhookRequest{Body: []byte(`{"auth":{"application_token":"app-token","domain":"portal.bitrix24.ru"}}`)}))
	assert.ErrorIs(t, a.VerifyWebhook(WebhookRequest{Body: []byte(`{"auth":{"application_token":"other"}}`)}), ErrInvalidSignature)
	assert.ErrorIs(t, a.VerifyWebhook(WebhookRequest{Body: []byte(`{"auth":{"application_token":"app-token","domain":"evil.bitrix24.ru"}}`)}), ErrInvalidSignature)

	noSecret := newBitrixAdapter(t, srv, oauthCreds("token-1"), nil, nil)
	assert.ErrorIs(t, noSecret.VerifyWebhook(WebhookRequest{Body: []byte(`{}`)}), ErrNoWebhookSecret)
}
