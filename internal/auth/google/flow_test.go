package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/YuHaibo/antigravity-cockpit/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	st, err := store.NewWithDB(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

// newTestFlow wires a Flow against fake token and userinfo servers. The
// captured auth URL is delivered on the returned channel instead of a browser.
func newTestFlow(t *testing.T, refreshToken string) (*Flow, *store.Store, chan string) {
	t.Helper()
	st := newTestStore(t)

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"at","refresh_token":%q,"token_type":"Bearer","expires_in":3600}`, refreshToken)
	}))
	t.Cleanup(tokenSrv.Close)

	userinfoSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"email":"user@x.com"}`)
	}))
	t.Cleanup(userinfoSrv.Close)

	authURLs := make(chan string, 1)
	f := NewFlow(st)
	f.openURL = func(u string) error {
		authURLs <- u
		return nil
	}
	f.copyToClip = func(string) error { return nil }
	f.timeout = 5 * time.Second
	f.endpoint = oauth2.Endpoint{
		AuthURL:  "http://example.invalid/auth",
		TokenURL: tokenSrv.URL,
	}
	f.userinfoURL = userinfoSrv.URL
	return f, st, authURLs
}

// redirectParams pulls the loopback redirect URI and CSRF state out of a
// captured auth URL.
func redirectParams(t *testing.T, authURL string) (redirect, state string) {
	t.Helper()
	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	q := parsed.Query()
	if q.Get("access_type") != "offline" {
		t.Errorf("access_type = %q, want offline", q.Get("access_type"))
	}
	if q.Get("prompt") != "consent" {
		t.Errorf("prompt = %q, want consent", q.Get("prompt"))
	}
	if q.Get("include_granted_scopes") != "true" {
		t.Errorf("include_granted_scopes = %q, want true", q.Get("include_granted_scopes"))
	}
	return q.Get("redirect_uri"), q.Get("state")
}

func TestAuthorizeRoundTrip(t *testing.T) {
	f, st, authURLs := newTestFlow(t, "rt-new")

	type result struct {
		email string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		email, err := f.Authorize(context.Background())
		done <- result{email, err}
	}()

	authURL := <-authURLs
	redirect, state := redirectParams(t, authURL)
	if len(state) != stateLength {
		t.Fatalf("state length = %d, want %d", len(state), stateLength)
	}
	if !strings.HasPrefix(redirect, "http://localhost:") {
		t.Fatalf("redirect = %q, want loopback", redirect)
	}

	// A mismatched state is answered but never resolves the authorization.
	resp, err := http.Get(redirect + "?code=evil&state=WRONG")
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("mismatched state got %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get(fmt.Sprintf("%s?code=good-code&state=%s", redirect, state))
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("matching callback got %d, want 200", resp.StatusCode)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("authorize: %v", res.err)
	}
	if res.email != "user@x.com" {
		t.Fatalf("email = %q, want user@x.com", res.email)
	}

	cred, err := st.Credential("user@x.com")
	if err != nil || cred == nil {
		t.Fatalf("credential not stored: %v", err)
	}
	if cred.RefreshToken != "rt-new" || cred.AccessToken != "at" {
		t.Fatalf("stored tokens = %q/%q", cred.RefreshToken, cred.AccessToken)
	}
}

func TestAuthorizeRejectsOAuthError(t *testing.T) {
	f, _, authURLs := newTestFlow(t, "rt")

	done := make(chan error, 1)
	go func() {
		_, err := f.Authorize(context.Background())
		done <- err
	}()

	redirect, _ := redirectParams(t, <-authURLs)
	resp, err := http.Get(redirect + "?error=access_denied")
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	resp.Body.Close()

	if err := <-done; err == nil || !strings.Contains(err.Error(), "access_denied") {
		t.Fatalf("err = %v, want access_denied", err)
	}
}

func TestAuthorizeRequiresRefreshToken(t *testing.T) {
	f, _, authURLs := newTestFlow(t, "")

	done := make(chan error, 1)
	go func() {
		_, err := f.Authorize(context.Background())
		done <- err
	}()

	redirect, state := redirectParams(t, <-authURLs)
	resp, err := http.Get(fmt.Sprintf("%s?code=c&state=%s", redirect, state))
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	resp.Body.Close()

	if err := <-done; err == nil || !strings.Contains(err.Error(), "refresh_token") {
		t.Fatalf("err = %v, want missing refresh_token failure", err)
	}
}

func TestCancelRejectsPending(t *testing.T) {
	f, _, authURLs := newTestFlow(t, "rt")

	done := make(chan error, 1)
	go func() {
		_, err := f.Authorize(context.Background())
		done <- err
	}()

	<-authURLs
	f.Cancel()

	if err := <-done; !errors.Is(err, ErrAuthCancelled) {
		t.Fatalf("err = %v, want ErrAuthCancelled", err)
	}
}

func TestSecondAuthorizationSupersedesFirst(t *testing.T) {
	f, _, authURLs := newTestFlow(t, "rt")

	first := make(chan error, 1)
	go func() {
		_, err := f.Authorize(context.Background())
		first <- err
	}()
	<-authURLs

	second := make(chan error, 1)
	go func() {
		_, err := f.Authorize(context.Background())
		second <- err
	}()
	redirect, state := redirectParams(t, <-authURLs)

	if err := <-first; err == nil || !strings.Contains(err.Error(), "superseded") {
		t.Fatalf("first err = %v, want superseded", err)
	}

	// The second authorization still completes normally.
	resp, err := http.Get(fmt.Sprintf("%s?code=c&state=%s", redirect, state))
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	resp.Body.Close()
	if err := <-second; err != nil {
		t.Fatalf("second authorize: %v", err)
	}
}

func TestBrowserFailureFallsBackToClipboard(t *testing.T) {
	f, _, _ := newTestFlow(t, "rt")

	copied := make(chan string, 1)
	f.openURL = func(string) error { return errors.New("no display") }
	f.copyToClip = func(u string) error {
		copied <- u
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.Authorize(context.Background())
		done <- err
	}()

	authURL := <-copied
	redirect, state := redirectParams(t, authURL)
	resp, err := http.Get(fmt.Sprintf("%s?code=c&state=%s", redirect, state))
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	resp.Body.Close()
	if err := <-done; err != nil {
		t.Fatalf("authorize after clipboard fallback: %v", err)
	}
}

func TestGenerateState(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		s := generateState()
		if len(s) != stateLength {
			t.Fatalf("state length = %d, want %d", len(s), stateLength)
		}
		for _, c := range s {
			if !strings.ContainsRune(stateChars, c) {
				t.Fatalf("state %q contains %q outside the alphabet", s, c)
			}
		}
		if seen[s] {
			t.Fatalf("state repeated: %q", s)
		}
		seen[s] = true
	}
}
