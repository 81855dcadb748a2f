package registry

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/infraweave-io/infraweave/internal/domain"
)

// fakeDB is an in-memory DynamoDBAPI sufficient for the registry's
// single-table access patterns, used so the publish/deprecate logic can be
// tested without a real AWS endpoint.
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
	key := itemKeyOf(in.Key)
	return &dynamodb.GetItemOutput{Item: f.items[key]}, nil
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
		if prefix == "" || len(sk) >= len(prefix) && sk[:len(prefix)] == prefix {
			out = append(out, item)
		}
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

func (f *fakeDB) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	for _, ti := range in.TransactItems {
		if ti.Put != nil {
			f.items[itemKeyOf(ti.Put.Item)] = ti.Put.Item
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func newTestClient() *Client {
	return &Client{DB: newFakeDB(), Table: "infraweave"}
}

func TestPublishFirstVersion(t *testing.T) {
	c := newTestClient()
	m := domain.Module{Module: "s3bucket", ModuleName: "S3Bucket", Version: "0.1.0", Track: "stable"}
	if err := c.PublishVersion(context.Background(), m); err != nil {
		t.Fatalf("PublishVersion: %v", err)
	}
	got, err := c.GetModuleVersion(context.Background(), "s3bucket", "stable", "0.1.0")
	if err != nil {
		t.Fatalf("GetModuleVersion: %v", err)
	}
	if got == nil || got.Version != "0.1.0" {
		t.Fatalf("got %+v", got)
	}
	latest, err := c.GetLatestModuleVersion(context.Background(), "s3bucket", "stable")
	if err != nil {
		t.Fatalf("GetLatestModuleVersion: %v", err)
	}
	if latest == nil || latest.Version != "0.1.0" {
		t.Fatalf("latest = %+v", latest)
	}
}

func TestDeprecateLatestFails(t *testing.T) {
	c := newTestClient()
	m1 := domain.Module{Module: "s3bucket", ModuleName: "S3Bucket", Version: "0.1.0", Track: "stable"}
	m2 := domain.Module{Module: "s3bucket", ModuleName: "S3Bucket", Version: "0.2.0", Track: "stable"}
	if err := c.PublishVersion(context.Background(), m1); err != nil {
		t.Fatalf("publish m1: %v", err)
	}
	if err := c.PublishVersion(context.Background(), m2); err != nil {
		t.Fatalf("publish m2: %v", err)
	}
	if err := c.DeprecateModuleVersion(context.Background(), "s3bucket", "stable", "0.1.0", "use 0.2.0"); err != nil {
		t.Fatalf("deprecate non-latest: %v", err)
	}
	if err := c.DeprecateModuleVersion(context.Background(), "s3bucket", "stable", "0.2.0", "nope"); err == nil {
		t.Fatalf("expected deprecating the latest to fail")
	}
}

func TestDeprecateSingleVersionFails(t *testing.T) {
	c := newTestClient()
	m := domain.Module{Module: "s3bucket", ModuleName: "S3Bucket", Version: "0.1.0", Track: "stable"}
	if err := c.PublishVersion(context.Background(), m); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := c.DeprecateModuleVersion(context.Background(), "s3bucket", "stable", "0.1.0", "x"); err == nil {
		t.Fatal("expected failure deprecating the only (and therefore latest) version")
	}
}
