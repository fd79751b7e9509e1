package auth

import (
	"context"
	"fmt"

	"github.com/jameshartig/emporiasync/pkg/common"
	"github.com/levenlabs/go-lflag"
)

// Configured sets up the session manager based on flags.
func Configured() *Manager {
	username := lflag.String("emporia-username", "", "Account email used for the password login")
	password := lflag.String("emporia-password", "", "Account password; leave empty to log in from the token file")
	tokenFile := lflag.String("emporia-token-file", "", "Path of the token bundle file (keys idToken, accessToken, refreshToken, email)")
	verifyTokens := lflag.Bool("emporia-verify-tokens", false, "Verify id token signatures against the user pool keys")
	cognitoEndpoint := lflag.String("emporia-cognito-endpoint", "", "Override the Cognito endpoint")

	s3Endpoint := lflag.String("emporia-token-s3-endpoint", "", "S3 endpoint to mirror the token bundle to")
	s3Bucket := lflag.String("emporia-token-s3-bucket", "", "S3 bucket for the token bundle")
	s3Key := lflag.String("emporia-token-s3-key", "emporiasync/tokens.json", "S3 object key for the token bundle")
	s3Region := lflag.String("emporia-token-s3-region", "", "S3 region")
	s3AccessKeyFile := lflag.String("emporia-token-s3-access-key-file", "", "File containing the S3 access key")
	s3SecretKeyFile := lflag.String("emporia-token-s3-secret-key-file", "", "File containing the S3 secret key")

	m := NewManager(nil, nil, nil)

	lflag.Do(func() {
		m.creds = Credentials{
			Username: *username,
			Password: *password,
		}
		m.provider = NewCognito(*cognitoEndpoint, common.HTTPClient(common.DefaultConnectTimeout, common.DefaultReadTimeout))

		var store Store
		if *tokenFile != "" {
			store = FileStore{Path: *tokenFile}
		}
		if *s3Endpoint != "" {
			remote, err := NewS3Store(S3Config{
				Endpoint:      *s3Endpoint,
				Bucket:        *s3Bucket,
				Key:           *s3Key,
				Region:        *s3Region,
				AccessKeyFile: *s3AccessKeyFile,
				SecretKeyFile: *s3SecretKeyFile,
			})
			if err != nil {
				panic(fmt.Sprintf("s3 token store init failed: %v", err))
			}
			if store == nil {
				store = remote
			} else {
				store = MirrorStore{Primary: store, Secondary: remote}
			}
		}
		m.store = store

		if *verifyTokens {
			v, err := NewVerifier(context.Background(), Issuer)
			if err != nil {
				panic(fmt.Sprintf("oidc verifier init failed: %v", err))
			}
			m.verify = v
		}
	})

	return m
}
