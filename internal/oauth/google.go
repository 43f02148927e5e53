// Package oauth implements Google sign-in with the authorization-code flow.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/iliyamo/local-heroes/internal/config"
	"github.com/iliyamo/local-heroes/internal/model"
)

const googleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// Google exchanges authorization codes for the user's Google profile.
type Google struct {
	cfg         *oauth2.Config
	userInfoURL string
}

// NewGoogle returns nil when credentials are not configured.
func NewGoogle(cfg config.OAuthConfig) *Google {
	if !cfg.Enabled() {
		return nil
	}
	return &Google{
		cfg: &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  cfg.CallbackURL,
			Scopes:       []string{"email", "profile"},
		},
		userInfoURL: googleUserInfoURL,
	}
}

// AuthCodeURL returns the Google consent page URL for state.
func (g *Google) AuthCodeURL(state string) string {
	return g.cfg.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange trades code for a token and fetches the profile it grants.
func (g *Google) Exchange(ctx context.Context, code string) (model.ExternalProfile, error) {
	tok, err := g.cfg.Exchange(ctx, code)
	if err != nil {
		return model.ExternalProfile{}, fmt.Errorf("token exchange failed: %w", err)
	}
	client := g.cfg.Client(ctx, tok)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.userInfoURL, nil)
	if err != nil {
		return model.ExternalProfile{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return model.ExternalProfile{}, fmt.Errorf("fetch google user: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return model.ExternalProfile{}, fmt.Errorf("google userinfo returned status %d", resp.StatusCode)
	}

	var data struct {
		Email         string `json:"email"`
		VerifiedEmail bool   `json:"verified_email"`
		GivenName     string `json:"given_name"`
		FamilyName    string `json:"family_name"`
		Picture       string `json:"picture"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&data); err != nil {
		return model.ExternalProfile{}, fmt.Errorf("decode google user: %w", err)
	}
	return model.ExternalProfile{
		Email:         data.Email,
		EmailVerified: data.VerifiedEmail,
		FirstName:     data.GivenName,
		LastName:      data.FamilyName,
		Picture:       data.Picture,
	}, nil
}
