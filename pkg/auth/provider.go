package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	cognitosrp "github.com/alexrudd/cognito-srp/v4"
	"github.com/aws/aws-sdk-go-v2/aws"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	ciptypes "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
)

// Tokens is what the identity provider hands back. RefreshToken is empty
// when the provider keeps the existing one.
type Tokens struct {
	IDToken      string
	AccessToken  string
	RefreshToken string
}

// IdentityProvider authenticates accounts and renews their tokens.
type IdentityProvider interface {
	Authenticate(ctx context.Context, username, password string) (Tokens, error)
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
	Email(ctx context.Context, accessToken string) (string, error)
}

// Cognito talks to the AWS Cognito user pool with unsigned requests.
type Cognito struct {
	client   *cip.Client
	pool     string
	clientID string
}

var _ IdentityProvider = (*Cognito)(nil)

// NewCognito returns a provider for the account user pool. endpoint
// overrides the regional endpoint and is empty outside tests.
func NewCognito(endpoint string, httpClient *http.Client) *Cognito {
	cfg := aws.Config{
		Region:      Region,
		Credentials: aws.AnonymousCredentials{},
	}
	client := cip.NewFromConfig(cfg, func(o *cip.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if httpClient != nil {
			o.HTTPClient = httpClient
		}
	})
	return &Cognito{client: client, pool: UserPool, clientID: ClientID}
}

// Authenticate runs the SRP password flow.
func (c *Cognito) Authenticate(ctx context.Context, username, password string) (Tokens, error) {
	csrp, err := cognitosrp.NewCognitoSRP(username, password, c.pool, c.clientID, nil)
	if err != nil {
		return Tokens{}, fmt.Errorf("failed to init srp: %w", err)
	}
	resp, err := c.client.InitiateAuth(ctx, &cip.InitiateAuthInput{
		AuthFlow:       ciptypes.AuthFlowTypeUserSrpAuth,
		ClientId:       aws.String(csrp.GetClientId()),
		AuthParameters: csrp.GetAuthParams(),
	})
	if err != nil {
		return Tokens{}, fmt.Errorf("failed to initiate auth: %w", err)
	}
	if resp.ChallengeName != ciptypes.ChallengeNameTypePasswordVerifier {
		return Tokens{}, fmt.Errorf("unexpected challenge: %s", resp.ChallengeName)
	}

	challenge, err := csrp.PasswordVerifierChallenge(resp.ChallengeParameters, time.Now())
	if err != nil {
		return Tokens{}, fmt.Errorf("failed to answer password challenge: %w", err)
	}
	out, err := c.client.RespondToAuthChallenge(ctx, &cip.RespondToAuthChallengeInput{
		ChallengeName:      ciptypes.ChallengeNameTypePasswordVerifier,
		ChallengeResponses: challenge,
		ClientId:           aws.String(csrp.GetClientId()),
	})
	if err != nil {
		return Tokens{}, fmt.Errorf("password verification failed: %w", err)
	}
	return tokensFrom(out.AuthenticationResult)
}

// Refresh exchanges a refresh token for new id and access tokens.
func (c *Cognito) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	out, err := c.client.InitiateAuth(ctx, &cip.InitiateAuthInput{
		AuthFlow: ciptypes.AuthFlowTypeRefreshTokenAuth,
		ClientId: aws.String(c.clientID),
		AuthParameters: map[string]string{
			"REFRESH_TOKEN": refreshToken,
		},
	})
	if err != nil {
		return Tokens{}, fmt.Errorf("failed to refresh tokens: %w", err)
	}
	return tokensFrom(out.AuthenticationResult)
}

// Email returns the email attribute of the user owning accessToken.
func (c *Cognito) Email(ctx context.Context, accessToken string) (string, error) {
	out, err := c.client.GetUser(ctx, &cip.GetUserInput{AccessToken: aws.String(accessToken)})
	if err != nil {
		return "", fmt.Errorf("failed to get user: %w", err)
	}
	for _, attr := range out.UserAttributes {
		if aws.ToString(attr.Name) == "email" {
			return aws.ToString(attr.Value), nil
		}
	}
	return "", errors.New("user has no email attribute")
}

func tokensFrom(res *ciptypes.AuthenticationResultType) (Tokens, error) {
	if res == nil {
		return Tokens{}, errors.New("missing authentication result")
	}
	return Tokens{
		IDToken:      aws.ToString(res.IdToken),
		AccessToken:  aws.ToString(res.AccessToken),
		RefreshToken: aws.ToString(res.RefreshToken),
	}, nil
}
