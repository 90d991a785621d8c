// Package auth implements the OAuth2 client-credentials token lifecycle for
// the Avela API.
package auth

import (
	"fmt"
	"strings"
)

// Environment names with special endpoint rules.
const (
	EnvironmentProd    = "prod"
	EnvironmentStaging = "staging"
)

// Credentials identify an API client. They are immutable once loaded.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Environment  string
}

// Endpoints are the environment-specific URLs used by the client.
type Endpoints struct {
	// TokenURL is the OAuth2 token endpoint.
	TokenURL string

	// BaseURL is the REST API root (no trailing slash).
	BaseURL string

	// Audience is sent with every client-credentials exchange.
	Audience string
}

// EndpointsFor returns the endpoints of a named environment.
// Staging is served by a dedicated Auth0 tenant; every other non-prod
// environment follows the {env}.auth / {env}.execute-api naming.
func EndpointsFor(environment string) (Endpoints, error) {
	env := strings.ToLower(strings.TrimSpace(environment))

	switch env {
	case "":
		return Endpoints{}, fmt.Errorf("environment is required")
	case EnvironmentProd:
		return Endpoints{
			TokenURL: "https://auth.avela.org/oauth/token",
			BaseURL:  "https://prod.execute-api.apply.avela.org/api/rest/v2",
			Audience: "https://api.apply.avela.org/v1/graphql",
		}, nil
	case EnvironmentStaging:
		return Endpoints{
			TokenURL: "https://avela-staging.us.auth0.com/oauth/token",
			BaseURL:  "https://staging.execute-api.apply.avela.org/api/rest/v2",
			Audience: "https://staging.api.apply.avela.org/v1/graphql",
		}, nil
	default:
		return Endpoints{
			TokenURL: fmt.Sprintf("https://%s.auth.avela.org/oauth/token", env),
			BaseURL:  fmt.Sprintf("https://%s.execute-api.apply.avela.org/api/rest/v2", env),
			Audience: fmt.Sprintf("https://%s.api.apply.avela.org/v1/graphql", env),
		}, nil
	}
}

// Merge fills empty fields of e from defaults.
func (e Endpoints) Merge(defaults Endpoints) Endpoints {
	if e.TokenURL == "" {
		e.TokenURL = defaults.TokenURL
	}
	if e.BaseURL == "" {
		e.BaseURL = defaults.BaseURL
	}
	if e.Audience == "" {
		e.Audience = defaults.Audience
	}
	e.BaseURL = strings.TrimRight(e.BaseURL, "/")
	return e
}
