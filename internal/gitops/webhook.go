// Package gitops implements the GitOps Dispatcher (component H): webhook
// signature verification, GitHub App installation-token minting, commit
// diff grouping into apply/destroy/rename intents, the Check Run state
// machine, and package-registry event classification, per spec.md §4.H.
// GitHub webhook transport wiring itself (routing, TLS termination) is an
// external collaborator (§1); this package only implements the
// signature-verification contract and everything downstream of it.
package gitops

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v59/github"

	"github.com/infraweave-io/infraweave/internal/ierrors"
)

const signaturePrefix = "sha256="

// VerifySignature checks the `sha256=<hex>` HMAC header GitHub sends on
// every webhook delivery against body, using constant-time comparison.
func VerifySignature(secret, body []byte, header string) bool {
	hexSig, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

// MintAppJWT mints the short-lived RS256 JWT a GitHub App uses to act as
// itself (before exchanging for an installation token): `iat = now-60,
// exp = now+600, iss = appID`.
func MintAppJWT(appID string, privateKeyPEM []byte, now time.Time) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return "", ierrors.Wrap(ierrors.KindInvalidWebhookSignature, err, "parsing GitHub App private key")
	}
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(600 * time.Second)),
		Issuer:    appID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", ierrors.Wrap(ierrors.KindInvalidWebhookSignature, err, "signing App JWT")
	}
	return signed, nil
}

// AppAuth mints installation tokens for a single GitHub App installation.
type AppAuth struct {
	AppID          string
	PrivateKeyPEM  []byte
	InstallationID int64
}

// InstallationToken exchanges the App's own JWT for a short-lived
// installation access token, the credential every subsequent Checks/
// Contents API call in this package authenticates with.
func (a *AppAuth) InstallationToken(ctx context.Context, client *github.Client, now time.Time) (string, error) {
	appJWT, err := MintAppJWT(a.AppID, a.PrivateKeyPEM, now)
	if err != nil {
		return "", err
	}
	appClient := client.WithAuthToken(appJWT)
	tok, _, err := appClient.Apps.CreateInstallationToken(ctx, a.InstallationID, nil)
	if err != nil {
		return "", ierrors.Wrap(ierrors.KindGitHubAPIError, err, "minting installation token")
	}
	return tok.GetToken(), nil
}
