// Package registry implements the Version Registry Client (component E): a
// DynamoDB single-table store for Module/Stack version records and
// latest-version pointers, plus S3-backed artifact storage with presigned
// URLs. Grounded on catherinevee-driftmgr's go.mod (aws-sdk-go-v2/dynamodb)
// for the store choice and cloudposse-atmos's go.mod
// (aws-sdk-go-v2/service/s3) for artifact storage (DESIGN.md).
package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"

	"github.com/infraweave-io/infraweave/internal/domain"
	"github.com/infraweave-io/infraweave/internal/ierrors"
	"github.com/infraweave-io/infraweave/internal/semverx"
)

// Item key prefixes, per the "Storage keys" section of the external
// interfaces: MODULE#<identifier> / VERSION#<000.000.000> primary keys,
// LATEST_MODULE / LATEST_STACK pointer partitions.
const (
	pkModulePrefix = "MODULE#"
	skVersionPrefix = "VERSION#"
	pkLatestModule = "LATEST_MODULE"
	pkLatestStack  = "LATEST_STACK"
)

// DynamoDBAPI is the subset of *dynamodb.Client the registry depends on,
// narrowed for testability.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// S3API is the subset of *s3.Client the registry depends on.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Presigner is the subset of *s3.PresignClient the registry depends on.
type Presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*aws.PresignedHTTPRequest, error)
}

// Client is the Version Registry Client.
type Client struct {
	DB      DynamoDBAPI
	S3      S3API
	Presign Presigner
	Table   string
	Regions []string
	Region  string
	oci     OCIClient
}

// itemKind selects between Module and Stack item families, which share the
// same table but not the same pointer partition.
type itemKind string

const (
	kindModule itemKind = "module"
	kindStack  itemKind = "stack"
)

func latestPK(k itemKind) string {
	if k == kindStack {
		return pkLatestStack
	}
	return pkLatestModule
}

func identifier(module, track string) string {
	if track == "" {
		return module
	}
	return module + "@" + track
}

// GetModuleVersion fetches an exact (module, track, version) record.
func (c *Client) GetModuleVersion(ctx context.Context, module, track, version string) (*domain.Module, error) {
	return c.getVersion(ctx, kindModule, module, track, version)
}

// GetStackVersion fetches an exact (stack, track, version) record.
func (c *Client) GetStackVersion(ctx context.Context, stack, track, version string) (*domain.Module, error) {
	return c.getVersion(ctx, kindStack, stack, track, version)
}

func (c *Client) getVersion(ctx context.Context, kind itemKind, name, track, version string) (*domain.Module, error) {
	v, err := semverx.Parse(version)
	if err != nil {
		return nil, err
	}
	key, err := semverx.ZeroPadded(v)
	if err != nil {
		return nil, err
	}
	out, err := c.DB.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.Table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pkModulePrefix + identifier(name, track)},
			"SK": &types.AttributeValueMemberS{Value: skVersionPrefix + key},
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get version %s/%s/%s", name, track, version)
	}
	if out.Item == nil {
		return nil, nil
	}
	var m domain.Module
	if err := attributevalue.UnmarshalMap(out.Item, &m); err != nil {
		return nil, errors.Wrap(err, "unmarshal module item")
	}
	return &m, nil
}

// GetLatestModuleVersion fetches the current latest pointer for (module, track).
func (c *Client) GetLatestModuleVersion(ctx context.Context, module, track string) (*domain.Module, error) {
	return c.getLatest(ctx, kindModule, module, track)
}

// GetLatestStackVersion fetches the current latest pointer for (stack, track).
func (c *Client) GetLatestStackVersion(ctx context.Context, stack, track string) (*domain.Module, error) {
	return c.getLatest(ctx, kindStack, stack, track)
}

func (c *Client) getLatest(ctx context.Context, kind itemKind, name, track string) (*domain.Module, error) {
	out, err := c.DB.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.Table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: latestPK(kind)},
			"SK": &types.AttributeValueMemberS{Value: pkModulePrefix + identifier(name, track)},
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get latest %s/%s", name, track)
	}
	if out.Item == nil {
		return nil, nil
	}
	var m domain.Module
	if err := attributevalue.UnmarshalMap(out.Item, &m); err != nil {
		return nil, errors.Wrap(err, "unmarshal latest pointer")
	}
	return &m, nil
}

// GetAllLatestModule returns the latest-version pointer of every (module,
// track) pair, or only those of the given track when non-empty.
func (c *Client) GetAllLatestModule(ctx context.Context, track string) ([]domain.Module, error) {
	return c.queryLatest(ctx, kindModule, track)
}

// GetAllLatestStack mirrors GetAllLatestModule for stacks.
func (c *Client) GetAllLatestStack(ctx context.Context, track string) ([]domain.Module, error) {
	return c.queryLatest(ctx, kindStack, track)
}

func (c *Client) queryLatest(ctx context.Context, kind itemKind, track string) ([]domain.Module, error) {
	out, err := c.DB.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.Table),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: latestPK(kind)},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "query latest")
	}
	var all []domain.Module
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &all); err != nil {
		return nil, errors.Wrap(err, "unmarshal latest list")
	}
	if track == "" {
		return all, nil
	}
	var filtered []domain.Module
	for _, m := range all {
		if m.Track == track {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}

// GetAllModuleVersions returns every published version of (module, track).
func (c *Client) GetAllModuleVersions(ctx context.Context, module, track string) ([]domain.Module, error) {
	return c.queryVersions(ctx, module, track)
}

// GetAllStackVersions mirrors GetAllModuleVersions for stacks.
func (c *Client) GetAllStackVersions(ctx context.Context, stack, track string) ([]domain.Module, error) {
	return c.queryVersions(ctx, stack, track)
}

func (c *Client) queryVersions(ctx context.Context, name, track string) ([]domain.Module, error) {
	out, err := c.DB.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.Table),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: pkModulePrefix + identifier(name, track)},
			":skPrefix": &types.AttributeValueMemberS{Value: skVersionPrefix},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "query versions")
	}
	var all []domain.Module
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &all); err != nil {
		return nil, errors.Wrap(err, "unmarshal version list")
	}
	return all, nil
}

// PublishVersion implements the insertion contract of §4.C step 15: two
// records are written atomically via TransactWriteItems — a version record
// and a latest-pointer record.
func (c *Client) PublishVersion(ctx context.Context, m domain.Module) error {
	kind := kindModule
	if m.ModuleType == domain.ModuleTypeStack {
		kind = kindStack
	}
	v, err := semverx.Parse(m.Version)
	if err != nil {
		return err
	}
	key, err := semverx.ZeroPadded(v)
	if err != nil {
		return err
	}

	versionItem, err := attributevalue.MarshalMap(m)
	if err != nil {
		return errors.Wrap(err, "marshal module")
	}
	versionItem["PK"] = &types.AttributeValueMemberS{Value: pkModulePrefix + identifier(m.Module, m.Track)}
	versionItem["SK"] = &types.AttributeValueMemberS{Value: skVersionPrefix + key}

	latestItem, err := attributevalue.MarshalMap(m)
	if err != nil {
		return errors.Wrap(err, "marshal latest pointer")
	}
	latestItem["PK"] = &types.AttributeValueMemberS{Value: latestPK(kind)}
	latestItem["SK"] = &types.AttributeValueMemberS{Value: pkModulePrefix + identifier(m.Module, m.Track)}

	_, err = c.DB.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: aws.String(c.Table), Item: versionItem}},
			{Put: &types.Put{TableName: aws.String(c.Table), Item: latestItem}},
		},
	})
	if err != nil {
		return errors.Wrap(err, "transact write publish")
	}
	return nil
}

// DeprecateModuleVersion deprecates an exact Module version (§4.C op 2).
func (c *Client) DeprecateModuleVersion(ctx context.Context, module, track, version, message string) error {
	return c.deprecateVersion(ctx, kindModule, module, track, version, message)
}

// DeprecateStackVersion deprecates an exact Stack version.
func (c *Client) DeprecateStackVersion(ctx context.Context, stack, track, version, message string) error {
	return c.deprecateVersion(ctx, kindStack, stack, track, version, message)
}

// deprecateVersion patches `deprecated`/`deprecated_message` on an exact
// version record. Both fields are updated atomically in a single PutItem of
// the already-fetched, mutated record (the table has no concurrent writers
// for a single version record once published, per §3's immutability
// invariant).
func (c *Client) deprecateVersion(ctx context.Context, kind itemKind, name, track, version, message string) error {
	m, err := c.getVersion(ctx, kind, name, track, version)
	if err != nil {
		return err
	}
	if m == nil {
		return ierrors.New(ierrors.KindModuleVersionMissing, fmt.Sprintf("version %s/%s/%s not found", name, track, version))
	}
	latest, err := c.getLatest(ctx, kind, name, track)
	if err != nil {
		return err
	}
	if latest != nil && latest.Version == version {
		return ierrors.New(ierrors.KindValidationError, "cannot deprecate the latest version")
	}
	if m.Deprecated {
		return ierrors.New(ierrors.KindValidationError, "version already deprecated")
	}
	m.Deprecated = true
	m.DeprecatedMessage = message

	v, err := semverx.Parse(version)
	if err != nil {
		return err
	}
	key, err := semverx.ZeroPadded(v)
	if err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(*m)
	if err != nil {
		return errors.Wrap(err, "marshal deprecated module")
	}
	item["PK"] = &types.AttributeValueMemberS{Value: pkModulePrefix + identifier(name, track)}
	item["SK"] = &types.AttributeValueMemberS{Value: skVersionPrefix + key}
	_, err = c.DB.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(c.Table), Item: item})
	return errors.Wrap(err, "put deprecated item")
}

// NameUsedByStack reports whether any Stack, in any track, is published
// under the given name — the symmetric check of Module invariant (v).
func (c *Client) NameUsedByStack(ctx context.Context, name string) (bool, error) {
	return c.nameUsedBy(ctx, kindStack, name)
}

// NameUsedByModule is the Stack Composer's symmetric check: whether any
// Module, in any track, is published under the given name.
func (c *Client) NameUsedByModule(ctx context.Context, name string) (bool, error) {
	return c.nameUsedBy(ctx, kindModule, name)
}

func (c *Client) nameUsedBy(ctx context.Context, kind itemKind, name string) (bool, error) {
	all, err := c.queryLatest(ctx, kind, "")
	if err != nil {
		return false, err
	}
	for _, m := range all {
		if m.Module == name {
			return true, nil
		}
	}
	return false, nil
}

// GetAllRegions returns the configured replication target regions.
func (c *Client) GetAllRegions() []string { return c.Regions }

// CopyWithRegion returns a handle scoped to a single region, used by the
// fan-out uploader (component C/D step 15) to address a per-region S3
// client while sharing the same table.
func (c *Client) CopyWithRegion(region string) *Client {
	return &Client{DB: c.DB, S3: c.S3, Presign: c.Presign, Table: c.Table, Regions: c.Regions, Region: region, oci: c.oci}
}

// UploadArtifact uploads module/stack zip bytes to the content-addressed
// S3 key `{module}/{module}-{version}.zip`.
func (c *Client) UploadArtifact(ctx context.Context, bucket, module, version string, body []byte) error {
	key := fmt.Sprintf("%s/%s-%s.zip", module, module, version)
	_, err := c.S3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	return errors.Wrapf(err, "upload artifact %s in region %s", key, c.Region)
}

// DownloadArtifact fetches module/stack zip bytes previously stored by
// UploadArtifact.
func (c *Client) DownloadArtifact(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := c.S3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "download artifact %s in region %s", key, c.Region)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	return body, errors.Wrapf(err, "read artifact body %s", key)
}

// GeneratePresignedURL returns a time-limited download URL for a stored key.
func (c *Client) GeneratePresignedURL(ctx context.Context, bucket, key string) (string, error) {
	req, err := c.Presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", errors.Wrapf(err, "presign %s", key)
	}
	return req.URL, nil
}

// ArtifactKey builds the content-addressed key for a module/stack zip.
func ArtifactKey(module, version string) string {
	return fmt.Sprintf("%s/%s-%s.zip", module, module, version)
}

// OCIArtifactKey builds the storage key for an OCI-published artifact.
func OCIArtifactKey(tag string) string {
	return fmt.Sprintf("oci-artifacts/%s.tar.gz", strings.ReplaceAll(tag, "/", "-"))
}

