package google

import (
	"os"

	"golang.org/x/oauth2"
	googleOAuth "golang.org/x/oauth2/google"
)

// OAuth credentials from Antigravity (for learning/research purposes)
// Default values are used if environment variables are not set.
const (
	DefaultClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	DefaultClientSecret = "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"
)

// Scopes required for accessing Google's internal Gemini API
var Scopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/cclog",
	"https://www.googleapis.com/auth/experimentsandconfigs",
}

const (
	// TokenURL is the Google OAuth token endpoint (code exchange + refresh).
	TokenURL = "https://oauth2.googleapis.com/token"
	// UserinfoURL resolves the owning account's email for a bearer token.
	UserinfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"
)

// ClientID returns the OAuth client id, honoring the env override.
func ClientID() string {
	if id := os.Getenv("GOOGLE_CLIENT_ID"); id != "" {
		return id
	}
	return DefaultClientID
}

// ClientSecret returns the OAuth client secret, honoring the env override.
func ClientSecret() string {
	if secret := os.Getenv("GOOGLE_CLIENT_SECRET"); secret != "" {
		return secret
	}
	return DefaultClientSecret
}

// GetOAuthConfig returns the OAuth2 config for Google authentication.
func GetOAuthConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     ClientID(),
		ClientSecret: ClientSecret(),
		RedirectURL:  redirectURL,
		Scopes:       Scopes,
		Endpoint:     googleOAuth.Endpoint,
	}
}
