// Package auth manages the account session: Cognito login, id token renewal
// and persistence of the token bundle between runs.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/jameshartig/emporiasync/pkg/types"
)

const (
	ClientID = "4qte47jbstod8apnfic0bunmrq"
	UserPool = "us-east-2_ghlOXVLi1"
	Region   = "us-east-2"

	// Issuer is the OIDC issuer of the user pool's id tokens.
	Issuer = "https://cognito-idp." + Region + ".amazonaws.com/" + UserPool

	// RefreshWindow is how close to expiry an id token gets renewed.
	RefreshWindow = 60 * time.Second
)

// ErrNotAuthenticated is returned by any operation that needs a session
// before Login succeeded.
var ErrNotAuthenticated = errors.New("not authenticated: login must succeed before calling the API")

// AuthError is returned when credentials are missing or the identity
// provider rejects them.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "auth: " + e.Reason
	}
	return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Bundle is the persisted token set. The JSON keys are shared with other
// tools that read the same token file.
type Bundle struct {
	IDToken      string `json:"idToken"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	Email        string `json:"email,omitempty"`
}

// Complete reports whether the bundle can be used without a password.
func (b Bundle) Complete() bool {
	return b.IDToken != "" && b.AccessToken != "" && b.RefreshToken != ""
}

// Credentials are the inputs to Login. A complete Bundle takes precedence
// over a username and password.
type Credentials struct {
	Username string
	Password string
	Bundle   Bundle
}

// Session is the authenticated state after Login.
type Session struct {
	Bundle   Bundle
	Email    string
	Expiry   time.Time
	Customer *types.Customer
}
