// Package token produces currently-valid access tokens for stored accounts,
// transparently refreshing near expiry and classifying every failure.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/YuHaibo/antigravity-cockpit/internal/auth/google"
	"github.com/YuHaibo/antigravity-cockpit/internal/store"
)

// RefreshBuffer is how close to expiry a token must be before a refresh is
// attempted. A token inside the buffer is never handed out unrefreshed.
const RefreshBuffer = 5 * time.Minute

// State classifies the outcome of a token request.
type State string

const (
	StateOK            State = "ok"
	StateMissing       State = "missing"
	StateExpired       State = "expired"
	StateInvalidGrant  State = "invalid_grant"
	StateRefreshFailed State = "refresh_failed"
)

// Status is the detailed result of AccessTokenStatus.
type Status struct {
	State State
	Token string
	Err   string
}

// Authority is the token lifecycle manager for all stored accounts.
type Authority struct {
	store      *store.Store
	httpClient *http.Client

	// Overridable for tests.
	tokenURL    string
	userinfoURL string
	now         func() time.Time
}

// NewAuthority creates a token authority over the credential store.
func NewAuthority(st *store.Store) *Authority {
	return &Authority{
		store:       st,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		tokenURL:    google.TokenURL,
		userinfoURL: google.UserinfoURL,
		now:         time.Now,
	}
}

// GetValidAccessToken returns a usable access token for the account, or ""
// on any non-ok outcome.
func (a *Authority) GetValidAccessToken(email string) string {
	status := a.AccessTokenStatus(email)
	if status.State == StateOK {
		return status.Token
	}
	return ""
}

// RefreshAccessToken forces a refresh and returns the new token, or "" on
// any non-ok outcome.
func (a *Authority) RefreshAccessToken(email string) string {
	status := a.refreshDetailed(email)
	if status.State == StateOK {
		return status.Token
	}
	return ""
}

// AccessTokenStatus returns the stored token when it is still valid for at
// least RefreshBuffer, otherwise refreshes and reports the detailed outcome.
func (a *Authority) AccessTokenStatus(email string) Status {
	cred, err := a.store.Credential(email)
	if err != nil {
		return Status{State: StateRefreshFailed, Err: err.Error()}
	}
	if cred == nil {
		return Status{State: StateMissing}
	}
	if cred.IsInvalid {
		// Dead refresh tokens short-circuit; only a fresh authorization
		// clears the flag.
		return Status{State: StateInvalidGrant, Err: "credential marked invalid, re-authorization required"}
	}

	now := a.now()
	isExpired := !cred.ExpiresAt.After(now)

	if cred.ExpiresAt.Sub(now) < RefreshBuffer {
		log.Printf("[Token] Token expiring soon for %s, refreshing", email)
		refreshed := a.refreshDetailed(email)
		if refreshed.State == StateMissing && isExpired {
			return Status{State: StateExpired, Err: "access token expired"}
		}
		return refreshed
	}

	return Status{State: StateOK, Token: cred.AccessToken}
}

// refreshDetailed performs one refresh-token grant and classifies failures.
// An invalid_grant error marks the stored credential permanently invalid;
// transient failures leave it usable for a later retry.
func (a *Authority) refreshDetailed(email string) Status {
	cred, err := a.store.Credential(email)
	if err != nil {
		return Status{State: StateRefreshFailed, Err: err.Error()}
	}
	if cred == nil || cred.RefreshToken == "" {
		log.Printf("[Token] No refresh token available for %s", email)
		return Status{State: StateMissing}
	}

	refreshed, err := a.refreshGrant(cred.RefreshToken)
	if err != nil {
		log.Printf("[Token] Refresh failed for %s: %v", email, err)
		if isInvalidGrant(err) {
			log.Printf("[Token] Refresh token invalid (invalid_grant) for %s", email)
			if markErr := a.store.MarkInvalid(email, true); markErr != nil {
				log.Printf("[Token] Failed to mark %s invalid: %v", email, markErr)
			}
			return Status{State: StateInvalidGrant, Err: err.Error()}
		}
		return Status{State: StateRefreshFailed, Err: err.Error()}
	}

	if err := a.store.UpdateAccessToken(email, refreshed.AccessToken, refreshed.Expiry); err != nil {
		return Status{State: StateRefreshFailed, Err: err.Error()}
	}
	if refreshed.RefreshToken != "" && refreshed.RefreshToken != cred.RefreshToken {
		log.Printf("[Token] Rotating refresh token for %s", email)
		if err := a.store.UpdateRefreshToken(email, refreshed.RefreshToken); err != nil {
			log.Printf("[Token] Failed to persist rotated refresh token: %v", err)
		}
	}

	log.Printf("[Token] Access token refreshed for %s (expires %s)",
		email, refreshed.Expiry.Format(time.RFC3339))
	return Status{State: StateOK, Token: refreshed.AccessToken}
}

// BuildCredentialFromRefreshToken constructs a full credential from an
// externally supplied refresh token (e.g. imported from Antigravity Tools)
// without interactive consent. The owning account is resolved via userinfo;
// fallbackEmail is used only when that call fails. A credential is never
// stored without a known owner.
func (a *Authority) BuildCredentialFromRefreshToken(ctx context.Context, refreshToken, fallbackEmail string) (*store.Credential, error) {
	refreshed, err := a.refreshGrant(refreshToken)
	if err != nil {
		if isInvalidGrant(err) {
			return nil, errors.New("refresh token is no longer valid (invalid_grant)")
		}
		return nil, fmt.Errorf("refresh request: %w", err)
	}

	email := fallbackEmail
	if resolved, err := a.fetchUserEmail(ctx, refreshed.AccessToken); err != nil {
		log.Printf("[Token] Failed to resolve account email, using fallback: %v", err)
	} else {
		email = resolved
	}
	if email == "" {
		return nil, errors.New("cannot determine account email, refusing to store credential")
	}

	scopes, _ := json.Marshal(google.Scopes)
	return &store.Credential{
		ClientID:     google.ClientID(),
		ClientSecret: google.ClientSecret(),
		AccessToken:  refreshed.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    refreshed.Expiry,
		Scopes:       string(scopes),
		Email:        email,
	}, nil
}

// RevokeAuthorization deletes every stored credential. Stopping any active
// schedule is the orchestrator's job, not ours.
func (a *Authority) RevokeAuthorization() error {
	if err := a.store.DeleteAllCredentials(); err != nil {
		return err
	}
	log.Printf("[Token] All authorizations revoked")
	return nil
}

// RevokeAccount deletes the credential of one account.
func (a *Authority) RevokeAccount(email string) error {
	if err := a.store.DeleteCredential(email); err != nil {
		return err
	}
	log.Printf("[Token] Account %s revoked", email)
	return nil
}

// refreshGrant runs one refresh-token grant through the oauth2 token source.
// The returned token carries the rotated refresh token when Google issues one.
func (a *Authority) refreshGrant(refreshToken string) (*oauth2.Token, error) {
	config := google.GetOAuthConfig("")
	config.Endpoint.TokenURL = a.tokenURL

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, a.httpClient)
	source := config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return source.Token()
}

func (a *Authority) fetchUserEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.userinfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo returned status %d", resp.StatusCode)
	}

	var userInfo struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&userInfo); err != nil {
		return "", err
	}
	if userInfo.Email == "" {
		return "", errors.New("userinfo response missing email")
	}
	return userInfo.Email, nil
}

// isInvalidGrant detects a permanently dead refresh token from the grant
// error. The oauth2 RetrieveError carries Google's response body, which names
// the grant failure; network errors never match.
func isInvalidGrant(err error) bool {
	if err == nil {
		return false
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		lowered := strings.ToLower(string(retrieveErr.Body))
		for _, marker := range []string{
			"invalid_grant",
			"invalid_client",
			"unauthorized_client",
			"token has been expired or revoked",
		} {
			if strings.Contains(lowered, marker) {
				return true
			}
		}
		return false
	}

	return strings.Contains(strings.ToLower(err.Error()), "invalid_grant")
}
