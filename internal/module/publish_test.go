package module

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/spf13/afero"

	"github.com/infraweave-io/infraweave/internal/domain"
	"github.com/infraweave-io/infraweave/internal/ierrors"
	"github.com/infraweave-io/infraweave/internal/registry"
)

// fakeDB is a minimal in-memory registry.DynamoDBAPI, mirroring
// internal/registry's own test double, used here so the publish pipeline
// can be exercised without a real AWS endpoint.
type fakeDB struct {
	items map[string]map[string]types.AttributeValue
}

func newFakeDB() *fakeDB { return &fakeDB{items: map[string]map[string]types.AttributeValue{}} }

func itemKeyOf(item map[string]types.AttributeValue) string {
	pk := item["PK"].(*types.AttributeValueMemberS).Value
	sk := item["SK"].(*types.AttributeValueMemberS).Value
	return pk + "|" + sk
}

func (f *fakeDB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.items[itemKeyOf(in.Key)]}, nil
}

func (f *fakeDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.items[itemKeyOf(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDB) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	pk := in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
	var prefix string
	if v, ok := in.ExpressionAttributeValues[":skPrefix"]; ok {
		prefix = v.(*types.AttributeValueMemberS).Value
	}
	var out []map[string]types.AttributeValue
	for _, item := range f.items {
		if item["PK"].(*types.AttributeValueMemberS).Value != pk {
			continue
		}
		sk := item["SK"].(*types.AttributeValueMemberS).Value
		if prefix == "" || (len(sk) >= len(prefix) && sk[:len(prefix)] == prefix) {
			out = append(out, item)
		}
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

func (f *fakeDB) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	for _, ti := range in.TransactItems {
		if ti.Put != nil {
			f.items[itemKeyOf(ti.Put.Item)] = ti.Put.Item
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

type fakeLockGenerator struct{}

func (fakeLockGenerator) GenerateLock(context.Context, string) ([]byte, error) {
	return []byte("# fake lock\n"), nil
}

type fakeProviderSource struct{}

func (fakeProviderSource) FetchLatest(_ context.Context, name string) (*ProviderArtifact, error) {
	return &ProviderArtifact{
		Name:      name,
		LockEntry: domain.LockProvider{Source: "registry.terraform.io/hashicorp/" + name, Version: "5.0.0"},
		Variables: []domain.TFVariable{{Name: "bucket_name", Type: "string", Required: true}},
		Outputs:   []domain.TFOutput{{Name: "bucket_arn"}},
	}, nil
}

func newTestPublisher() *Publisher {
	return &Publisher{
		Registry:         &registry.Client{DB: newFakeDB(), Table: "infraweave"},
		Providers:        fakeProviderSource{},
		Lock:             fakeLockGenerator{},
		FS:               afero.NewMemMapFs(),
		Bucket:           "infraweave-modules",
		ConcurrencyLimit: 1,
		TestMode:         true,
	}
}

const testManifest = `
apiVersion: infraweave.io/v1
kind: Module
metadata:
  name: s3bucket
spec:
  moduleName: S3Bucket
  version: 0.1.0-stable
  description: an S3 bucket
  reference: https://example.com
  providers:
    - name: aws
`

func writeManifest(t *testing.T, fs afero.Fs, dir, content string) {
	t.Helper()
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := afero.WriteFile(fs, dir+"/module.yaml", []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func TestPublishModuleSuccess(t *testing.T) {
	p := newTestPublisher()
	writeManifest(t, p.FS, "/work", testManifest)

	res, err := p.PublishModule(context.Background(), "/work", "stable", "", nil)
	if err != nil {
		t.Fatalf("PublishModule: %v", err)
	}
	if res.Module.Module != "s3bucket" {
		t.Fatalf("module id = %q", res.Module.Module)
	}
	if len(res.Module.TFVariables) != 1 || res.Module.TFVariables[0].Name != "bucket_name" {
		t.Fatalf("unexpected variables: %+v", res.Module.TFVariables)
	}

	latest, err := p.Registry.GetLatestModuleVersion(context.Background(), "s3bucket", "stable")
	if err != nil || latest == nil {
		t.Fatalf("latest lookup: %v, %+v", err, latest)
	}
}

func TestPublishModuleDoublePublishFails(t *testing.T) {
	p := newTestPublisher()
	writeManifest(t, p.FS, "/work", testManifest)

	if _, err := p.PublishModule(context.Background(), "/work", "stable", "", nil); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := p.FS.MkdirAll("/work2", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeManifest(t, p.FS, "/work2", testManifest)
	_, err := p.PublishModule(context.Background(), "/work2", "stable", "", nil)
	if err == nil {
		t.Fatal("expected ModuleVersionExists on exact re-publish")
	}
	if kind, ok := ierrors.Of(err); !ok || kind != ierrors.KindModuleVersionExists {
		t.Fatalf("expected KindModuleVersionExists, got %v (%v)", kind, err)
	}
}
