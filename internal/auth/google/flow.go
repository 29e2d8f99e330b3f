package google

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	"github.com/pkg/browser"
	"golang.org/x/oauth2"
	googleOAuth "golang.org/x/oauth2/google"

	"github.com/YuHaibo/antigravity-cockpit/internal/store"
)

const (
	// CallbackHost is where the loopback redirect listener binds.
	CallbackHost = "localhost"
	// CallbackPortStart is the first port tried for the loopback listener.
	CallbackPortStart = 11451
	// CallbackPortRange bounds the scan: ports [start, start+range) are tried.
	CallbackPortRange = 100
	// CallbackTimeout is how long to wait for the OAuth redirect.
	CallbackTimeout = 5 * time.Minute

	stateLength = 32
	stateChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// ErrAuthCancelled is delivered when the user aborts a pending authorization.
var ErrAuthCancelled = errors.New("authorization cancelled by user")

type callbackResult struct {
	code string
	err  error
}

// pendingAuth is the single-slot future completed by exactly one of: a
// matching redirect, a user cancel, or the timeout.
type pendingAuth struct {
	state string
	ch    chan callbackResult
}

func (p *pendingAuth) complete(res callbackResult) {
	select {
	case p.ch <- res:
	default:
	}
}

// Flow runs the interactive authorization-code flow over a temporary
// loopback HTTP listener. At most one authorization is pending at a time;
// starting a second rejects the first.
type Flow struct {
	store *store.Store

	mu      sync.Mutex
	pending *pendingAuth

	// Injection points for tests.
	openURL     func(string) error
	copyToClip  func(string) error
	timeout     time.Duration
	httpClient  *http.Client
	endpoint    oauth2.Endpoint
	userinfoURL string
}

// NewFlow creates an authorization flow bound to the credential store.
func NewFlow(st *store.Store) *Flow {
	return &Flow{
		store:       st,
		openURL:     browser.OpenURL,
		copyToClip:  clipboard.WriteAll,
		timeout:     CallbackTimeout,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		endpoint:    googleOAuth.Endpoint,
		userinfoURL: UserinfoURL,
	}
}

// StartAuthorization runs the full flow and reports success as a boolean.
// All failures are logged; nothing escapes the public surface.
func (f *Flow) StartAuthorization(ctx context.Context) bool {
	email, err := f.Authorize(ctx)
	if err != nil {
		log.Printf("[OAuth] Authorization failed: %v", err)
		return false
	}
	log.Printf("[OAuth] Authorization successful: %s", email)
	return true
}

// Authorize performs the authorization-code flow and returns the email of
// the stored account. The loopback listener is torn down on every exit path.
func (f *Flow) Authorize(ctx context.Context) (string, error) {
	port, srv, err := f.startCallbackListener()
	if err != nil {
		return "", err
	}
	defer stopCallbackServer(srv)

	redirectURL := fmt.Sprintf("http://%s:%d/", CallbackHost, port)
	state := generateState()

	pending := &pendingAuth{state: state, ch: make(chan callbackResult, 1)}
	f.mu.Lock()
	if f.pending != nil {
		// Replace the stale slot; the earlier waiter is rejected.
		f.pending.complete(callbackResult{err: errors.New("superseded by a newer authorization")})
	}
	f.pending = pending
	f.mu.Unlock()
	defer f.clearPending(pending)

	authURL := f.buildAuthURL(redirectURL, state)
	if err := f.openURL(authURL); err != nil {
		// Browser failures are non-fatal: degrade to clipboard and keep waiting.
		log.Printf("[OAuth] Failed to open browser, falling back to clipboard: %v", err)
		if copyErr := f.copyToClip(authURL); copyErr != nil {
			log.Printf("[OAuth] Failed to copy auth URL to clipboard: %v", copyErr)
		} else {
			log.Printf("[OAuth] Auth URL copied to clipboard, open it manually")
		}
	}

	var code string
	select {
	case res := <-pending.ch:
		if res.err != nil {
			return "", res.err
		}
		code = res.code
	case <-time.After(f.timeout):
		return "", errors.New("authorization timeout")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	cred, err := f.exchangeCode(ctx, code, redirectURL)
	if err != nil {
		return "", err
	}

	email, err := f.fetchUserEmail(ctx, cred.AccessToken)
	if err != nil {
		return "", fmt.Errorf("fetch user info: %w", err)
	}
	cred.Email = email

	// Overwrites an existing account on re-authorization; IsInvalid stays
	// false so a dead refresh token is cleared by a fresh consent.
	if err := f.store.SaveCredential(cred); err != nil {
		return "", fmt.Errorf("save credential: %w", err)
	}
	return email, nil
}

// Cancel rejects the pending authorization, if any.
func (f *Flow) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending != nil {
		f.pending.complete(callbackResult{err: ErrAuthCancelled})
		f.pending = nil
	}
}

func (f *Flow) clearPending(p *pendingAuth) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending == p {
		f.pending = nil
	}
}

// startCallbackListener binds a loopback listener, scanning a bounded port
// range starting at CallbackPortStart. Each authorization owns its server, so
// a superseded attempt tears down only its own listener.
func (f *Flow) startCallbackListener() (int, *http.Server, error) {
	for attempt := 0; attempt < CallbackPortRange; attempt++ {
		port := CallbackPortStart + attempt
		listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", CallbackHost, port))
		if err != nil {
			continue
		}

		mux := http.NewServeMux()
		mux.HandleFunc("/", f.handleCallback)
		srv := &http.Server{Handler: mux}

		go func() {
			if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
				log.Printf("[OAuth] Callback server error: %v", err)
			}
		}()

		log.Printf("[OAuth] Callback server listening on port %d", port)
		return port, srv, nil
	}
	return 0, nil, fmt.Errorf("no available port for OAuth callback in %d..%d",
		CallbackPortStart, CallbackPortStart+CallbackPortRange-1)
}

func stopCallbackServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[OAuth] Error shutting down callback server: %v", err)
	}
	log.Printf("[OAuth] Callback server stopped")
}

// handleCallback processes the browser redirect. A request whose state does
// not match the pending authorization is answered but never resolves the
// pending slot (CSRF guard).
func (f *Flow) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	code := query.Get("code")
	state := query.Get("state")
	oauthError := query.Get("error")

	f.mu.Lock()
	pending := f.pending
	f.mu.Unlock()

	if oauthError != "" {
		writeCallbackPage(w, http.StatusBadRequest, "Authorization Failed",
			fmt.Sprintf("Error: %s. Close this page and try again.", oauthError))
		if pending != nil {
			pending.complete(callbackResult{err: fmt.Errorf("oauth error: %s", oauthError)})
		}
		return
	}

	if code != "" && pending != nil && state == pending.state {
		writeCallbackPage(w, http.StatusOK, "Authorization Successful",
			"You can close this page and return to the Cockpit.")
		pending.complete(callbackResult{code: code})
		return
	}

	writeCallbackPage(w, http.StatusBadRequest, "Invalid Request",
		"Please start the authorization again.")
}

func writeCallbackPage(w http.ResponseWriter, status int, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<title>%s</title>
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; max-width: 600px; margin: 50px auto; padding: 20px; background: #1a1a2e; color: #eee; text-align: center; }
		h1 { font-size: 24px; }
	</style>
</head>
<body>
	<h1>%s</h1>
	<p>%s</p>
</body>
</html>`, title, title, body)
}

// buildAuthURL embeds client id, redirect URI, scopes and the CSRF state.
// Offline access plus forced consent guarantee a refresh-token grant.
func (f *Flow) buildAuthURL(redirectURL, state string) string {
	config := GetOAuthConfig(redirectURL)
	config.Endpoint = f.endpoint
	return config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	)
}

// exchangeCode trades the authorization code for tokens. A response without
// a refresh token is a hard failure: the wake service cannot run without one.
func (f *Flow) exchangeCode(ctx context.Context, code, redirectURL string) (*store.Credential, error) {
	config := GetOAuthConfig(redirectURL)
	config.Endpoint = f.endpoint
	token, err := config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	if token.RefreshToken == "" {
		return nil, errors.New("no refresh_token received, please try again")
	}

	scopes, _ := json.Marshal(Scopes)
	return &store.Credential{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
		Scopes:       string(scopes),
	}, nil
}

func (f *Flow) fetchUserEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.userinfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := f.httpClient.Do(req)
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

// generateState produces the 32-character random CSRF token.
func generateState() string {
	state := make([]byte, stateLength)
	max := big.NewInt(int64(len(stateChars)))
	for i := range state {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand never fails on supported platforms
			panic(err)
		}
		state[i] = stateChars[n.Int64()]
	}
	return string(state)
}
