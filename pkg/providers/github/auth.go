/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package github

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/runnerfleet/runnerfleet/pkg/operator/options"
	ssmp "github.com/runnerfleet/runnerfleet/pkg/providers/ssm"
)

// appTransport signs every request with a short lived application JWT so the
// wrapped client can call the GitHub Apps endpoints.
type appTransport struct {
	base  http.RoundTripper
	appID string
	key   *rsa.PrivateKey
}

func (t *appTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		// Issued in the past to tolerate clock drift between us and GitHub
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		Issuer:    t.appID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(t.key)
	if err != nil {
		return nil, fmt.Errorf("signing app token, %w", err)
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(req)
}

// AppCredentials is the GitHub App identity the controller acts as.
type AppCredentials struct {
	AppID string
	Key   *rsa.PrivateKey
}

// ResolveAppCredentials reads the app id and the base64 encoded private key
// from the configured SSM parameters.
func ResolveAppCredentials(ctx context.Context, ssmProvider ssmp.Provider) (AppCredentials, error) {
	opts := options.FromContext(ctx)
	appID, err := ssmProvider.Get(ctx, ssmp.Parameter{Name: opts.AppIDSSMKey})
	if err != nil {
		return AppCredentials{}, fmt.Errorf("resolving github app id, %w", err)
	}
	keyB64, err := ssmProvider.Get(ctx, ssmp.Parameter{Name: opts.AppKeySSMKey})
	if err != nil {
		return AppCredentials{}, fmt.Errorf("resolving github app key, %w", err)
	}
	pemBytes, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return AppCredentials{}, fmt.Errorf("decoding github app key, %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return AppCredentials{}, fmt.Errorf("parsing github app key, %w", err)
	}
	return AppCredentials{AppID: appID, Key: key}, nil
}
