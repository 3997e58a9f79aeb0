// Package auth implements the client side of a SMART App Launch: endpoint
// discovery, the authorization redirect, the code-for-token exchange and the
// handlers that bind the result to a session.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const oauthURIsExtension = "http://fhir-registry.smarthealthit.org/StructureDefinition/oauth-uris"

// ErrNoEndpoints is returned when neither discovery document names an
// authorization endpoint.
var ErrNoEndpoints = errors.New("smart: no authorization endpoint advertised")

// SMARTConfiguration is the subset of .well-known/smart-configuration the
// launch needs.
type SMARTConfiguration struct {
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	Capabilities          []string `json:"capabilities,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
}

// TokenResponse is the OAuth2 token response with SMART launch context.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
	Patient     string `json:"patient,omitempty"`
	Encounter   string `json:"encounter,omitempty"`
	IDToken     string `json:"id_token,omitempty"`
}

// OAuthError represents an OAuth 2.0 error response.
type OAuthError struct {
	Status      int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *OAuthError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("token endpoint returned status %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// SMARTClient is a public SMART client identified by ClientID.
type SMARTClient struct {
	ClientID    string
	RedirectURI string
	Scope       string

	http *http.Client
}

func NewSMARTClient(clientID, redirectURI, scope string, timeout time.Duration) *SMARTClient {
	return &SMARTClient{
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Scope:       scope,
		http:        &http.Client{Timeout: timeout},
	}
}

// Discover finds the OAuth endpoints of fhirBase, first from
// .well-known/smart-configuration and then from the oauth-uris extension of
// the CapabilityStatement.
func (s *SMARTClient) Discover(ctx context.Context, fhirBase string) (*SMARTConfiguration, error) {
	fhirBase = strings.TrimRight(fhirBase, "/")

	var wellKnown SMARTConfiguration
	errWellKnown := s.getJSON(ctx, fhirBase+"/.well-known/smart-configuration", &wellKnown)
	if errWellKnown == nil && wellKnown.AuthorizationEndpoint != "" {
		return &wellKnown, nil
	}

	var metadata struct {
		Rest []struct {
			Security struct {
				Extension []struct {
					URL       string `json:"url"`
					Extension []struct {
						URL      string `json:"url"`
						ValueURI string `json:"valueUri"`
					} `json:"extension"`
				} `json:"extension"`
			} `json:"security"`
		} `json:"rest"`
	}
	if err := s.getJSON(ctx, fhirBase+"/metadata", &metadata); err != nil {
		return nil, fmt.Errorf("discover %s: %w", fhirBase, errors.Join(errWellKnown, err))
	}
	for _, rest := range metadata.Rest {
		for _, ext := range rest.Security.Extension {
			if ext.URL != oauthURIsExtension {
				continue
			}
			var cfg SMARTConfiguration
			for _, sub := range ext.Extension {
				switch sub.URL {
				case "authorize":
					cfg.AuthorizationEndpoint = sub.ValueURI
				case "token":
					cfg.TokenEndpoint = sub.ValueURI
				}
			}
			if cfg.AuthorizationEndpoint != "" {
				return &cfg, nil
			}
		}
	}
	return nil, fmt.Errorf("discover %s: %w", fhirBase, ErrNoEndpoints)
}

// AuthorizeURL builds the authorization redirect. launch is omitted for a
// standalone launch.
func (s *SMARTClient) AuthorizeURL(cfg *SMARTConfiguration, state, launch, aud string) (string, error) {
	u, err := url.Parse(cfg.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("parse authorization endpoint: %w", err)
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", s.ClientID)
	q.Set("redirect_uri", s.RedirectURI)
	q.Set("scope", s.Scope)
	q.Set("state", state)
	q.Set("aud", aud)
	if launch != "" {
		q.Set("launch", launch)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ExchangeCode trades an authorization code for an access token.
func (s *SMARTClient) ExchangeCode(ctx context.Context, tokenEndpoint, code string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {s.RedirectURI},
		"client_id":    {s.ClientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		oerr := &OAuthError{Status: resp.StatusCode}
		json.Unmarshal(body, oerr)
		return nil, oerr
	}

	var tok TokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, &OAuthError{Status: resp.StatusCode, Code: "invalid_grant", Description: "no access_token in response"}
	}
	return &tok, nil
}

// FHIRUser returns the fhirUser (or profile) claim of an id_token. The
// signature is not verified.
func FHIRUser(idToken string) string {
	if idToken == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return ""
	}
	for _, key := range []string{"fhirUser", "profile"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func (s *SMARTClient) getJSON(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s returned status %d", target, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
