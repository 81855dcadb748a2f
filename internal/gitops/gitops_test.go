package gitops

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySignature(t *testing.T) {
	secret := []byte("shh")
	body := []byte(`{"hello":"world"}`)
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	valid := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	assert.True(t, VerifySignature(secret, body, valid))
	assert.False(t, VerifySignature(secret, body, "sha256=deadbeef"))
	assert.False(t, VerifySignature(secret, body, "nonsense"))
	assert.False(t, VerifySignature([]byte("wrong"), body, valid))
}

func TestMintAppJWT(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tokenStr, err := MintAppJWT("app-123", pemBytes, now)
	require.NoError(t, err)

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	require.NoError(t, err)
	assert.True(t, parsed.Valid)
	assert.Equal(t, "app-123", claims.Issuer)
	assert.Equal(t, now.Add(-60*time.Second).Unix(), claims.IssuedAt.Unix())
	assert.Equal(t, now.Add(600*time.Second).Unix(), claims.ExpiresAt.Unix())
}

func TestFilterClaimPaths(t *testing.T) {
	changes := []FileChange{
		{Path: "deploy/bucket.yaml", Status: FileAdded},
		{Path: "deploy/bucket.yml", Status: FileModified},
		{Path: "README.md", Status: FileModified},
		{Path: "other/bucket.yaml", Status: FileRemoved},
	}

	got := FilterClaimPaths(changes, "deploy/")
	require.Len(t, got, 2)
	assert.Equal(t, "deploy/bucket.yaml", got[0].Path)
	assert.Equal(t, "deploy/bucket.yml", got[1].Path)
}

type fakeFetcher struct {
	content map[string]map[string][]byte // ref -> path -> content
}

func (f *fakeFetcher) FetchContent(_ context.Context, ref, path string) ([]byte, bool, error) {
	byPath, ok := f.content[ref]
	if !ok {
		return nil, false, nil
	}
	b, ok := byPath[path]
	return b, ok, nil
}

const bucketYAML = `apiVersion: infraweave.io/v1
kind: S3Bucket
metadata:
  name: my-bucket
  namespace: team-a
spec:
  region: eu-north-1
  variables:
    bucketName: my-bucket
`

func TestGroupIntentsActiveOnly(t *testing.T) {
	fetcher := &fakeFetcher{content: map[string]map[string][]byte{
		"after": {"deploy/bucket.yaml": []byte(bucketYAML)},
	}}
	changes := []FileChange{{Path: "deploy/bucket.yaml", Status: FileAdded}}

	intents, err := GroupIntents(context.Background(), fetcher, "before", "after", changes)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, IntentApply, intents[0].Kind)
	assert.Equal(t, "my-bucket", intents[0].Identity.Name)
}

func TestGroupIntentsDeletedOnly(t *testing.T) {
	fetcher := &fakeFetcher{content: map[string]map[string][]byte{
		"before": {"deploy/bucket.yaml": []byte(bucketYAML)},
	}}
	changes := []FileChange{{Path: "deploy/bucket.yaml", Status: FileRemoved}}

	intents, err := GroupIntents(context.Background(), fetcher, "before", "after", changes)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, IntentDestroy, intents[0].Kind)
}

func TestGroupIntentsRenamed(t *testing.T) {
	fetcher := &fakeFetcher{content: map[string]map[string][]byte{
		"before": {"deploy/old.yaml": []byte(bucketYAML)},
		"after":  {"deploy/new.yaml": []byte(bucketYAML)},
	}}
	changes := []FileChange{
		{Path: "deploy/old.yaml", Status: FileRemoved},
		{Path: "deploy/new.yaml", Status: FileAdded},
	}

	intents, err := GroupIntents(context.Background(), fetcher, "before", "after", changes)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, IntentRename, intents[0].Kind)
	assert.Equal(t, "deploy/old.yaml", intents[0].OldPath)
	assert.Equal(t, "deploy/new.yaml", intents[0].NewPath)
}

func TestCommandForIntent(t *testing.T) {
	apply := Intent{Kind: IntentApply}
	cmd, flags := CommandForIntent(apply, true)
	assert.Equal(t, "apply", string(cmd))
	assert.Nil(t, flags)

	cmd, flags = CommandForIntent(apply, false)
	assert.Equal(t, "plan", string(cmd))
	assert.Nil(t, flags)

	destroy := Intent{Kind: IntentDestroy}
	cmd, flags = CommandForIntent(destroy, true)
	assert.Equal(t, "destroy", string(cmd))

	cmd, flags = CommandForIntent(destroy, false)
	assert.Equal(t, "plan", string(cmd))
	assert.Equal(t, []string{"-destroy"}, flags)
}

func TestClassifyArtifact(t *testing.T) {
	assert.Equal(t, ArtifactAttestation, ClassifyArtifact("1.2.3.att"))
	assert.Equal(t, ArtifactSignature, ClassifyArtifact("1.2.3.sig"))
	assert.Equal(t, ArtifactMain, ClassifyArtifact("1.2.3"))
}
