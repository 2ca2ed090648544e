package connectors

import (
	"context"
	"errors"
	"time"

	"go-crmsync/internal/secrets"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

var errNoRefreshGrant = errors.New("credentials carry no refresh grant")

// refreshTokenGrant refreshes an OAuth2 authorization-code grant at tokenURL
func refreshTokenGrant(client *HTTPClient, tokenURL string) refreshFunc {
	return func(ctx context.Context, creds secrets.Credentials) (secrets.Credentials, error) {
		if !creds.HasOAuth() {
			return secrets.Credentials{}, errNoRefreshGrant
		}

		cfg := &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		}

		ctx = context.WithValue(ctx, oauth2.HTTPClient, client.Standard())
		tok, err := cfg.TokenSource(ctx, &oauth2.Token{
			RefreshToken: creds.RefreshToken,
			Expiry:       time.Unix(1, 0),
		}).Token()
		if err != nil {
			return secrets.Credentials{}, err
		}

		return fromToken(tok), nil
	}
}

// clientCredentialsGrant fetches a new token with the client credentials flow
func clientCredentialsGrant(client *HTTPClient, tokenURL string) refreshFunc {
	return func(ctx context.Context, creds secrets.Credentials) (secrets.Credentials, error) {
		if creds.ClientID == "" || creds.ClientSecret == "" {
			return secrets.Credentials{}, errNoRefreshGrant
		}

		cfg := &clientcredentials.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			TokenURL:     tokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		}

		ctx = context.WithValue(ctx, oauth2.HTTPClient, client.Standard())
		tok, err := cfg.Token(ctx)
		if err != nil {
			return secrets.Credentials{}, err
		}
		return fromToken(tok), nil
	}
}

func fromToken(tok *oauth2.Token) secrets.Credentials {
	creds := secrets.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if domain, ok := tok.Extra("domain").(string); ok {
		creds.Domain = domain
	}
	return creds
}
