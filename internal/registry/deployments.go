package registry

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pkg/errors"

	"github.com/infraweave-io/infraweave/internal/domain"
)

const (
	pkDeploymentPrefix = "DEPLOYMENT#"
	pkEventPrefix      = "EVENT#"
	pkLogPrefix        = "LOG#"
)

// GetAllDeployments lists deployments whose (environment, deployment_id)
// key begins with prefix, optionally including soft-deleted ones.
func (c *Client) GetAllDeployments(ctx context.Context, prefix string, includeDeleted bool) ([]domain.Deployment, error) {
	out, err := c.DB.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.Table),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: pkDeploymentPrefix},
			":skPrefix": &types.AttributeValueMemberS{Value: prefix},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "query deployments")
	}
	var all []domain.Deployment
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &all); err != nil {
		return nil, errors.Wrap(err, "unmarshal deployments")
	}
	if includeDeleted {
		return all, nil
	}
	var filtered []domain.Deployment
	for _, d := range all {
		if !d.Deleted {
			filtered = append(filtered, d)
		}
	}
	return filtered, nil
}

// GetDeployment fetches a single deployment by (deployment_id, environment).
func (c *Client) GetDeployment(ctx context.Context, id, environment string, includeDeleted bool) (*domain.Deployment, error) {
	out, err := c.DB.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.Table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pkDeploymentPrefix},
			"SK": &types.AttributeValueMemberS{Value: environment + "/" + id},
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get deployment %s/%s", environment, id)
	}
	if out.Item == nil {
		return nil, nil
	}
	var d domain.Deployment
	if err := attributevalue.UnmarshalMap(out.Item, &d); err != nil {
		return nil, errors.Wrap(err, "unmarshal deployment")
	}
	if d.Deleted && !includeDeleted {
		return nil, nil
	}
	return &d, nil
}

// GetDeploymentAndDependents fetches a deployment plus every other
// deployment that lists it in Dependencies.
func (c *Client) GetDeploymentAndDependents(ctx context.Context, id, environment string, includeDeleted bool) (*domain.Deployment, []domain.Deployment, error) {
	d, err := c.GetDeployment(ctx, id, environment, includeDeleted)
	if err != nil || d == nil {
		return d, nil, err
	}
	all, err := c.GetAllDeployments(ctx, environment, includeDeleted)
	if err != nil {
		return d, nil, err
	}
	var dependents []domain.Deployment
	for _, other := range all {
		for _, dep := range other.Dependencies {
			if dep == id {
				dependents = append(dependents, other)
				break
			}
		}
	}
	return d, dependents, nil
}

// PutDeployment writes a deployment record, used by run_claim (component F)
// after submitting a job.
func (c *Client) PutDeployment(ctx context.Context, d domain.Deployment) error {
	item, err := attributevalue.MarshalMap(d)
	if err != nil {
		return errors.Wrap(err, "marshal deployment")
	}
	item["PK"] = &types.AttributeValueMemberS{Value: pkDeploymentPrefix}
	item["SK"] = &types.AttributeValueMemberS{Value: d.Environment + "/" + d.DeploymentID}
	_, err = c.DB.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(c.Table), Item: item})
	return errors.Wrap(err, "put deployment")
}

// EventData is one entry of a deployment's event history.
type EventData struct {
	Epoch   int64  `json:"epoch" dynamodbav:"epoch"`
	Status  string `json:"status" dynamodbav:"status"`
	Message string `json:"message" dynamodbav:"message"`
}

// GetEvents lists the recorded events for a deployment.
func (c *Client) GetEvents(ctx context.Context, id, environment string) ([]EventData, error) {
	out, err := c.DB.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.Table),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: pkEventPrefix + environment + "/" + id},
			":skPrefix": &types.AttributeValueMemberS{Value: "EVENT#"},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "query events")
	}
	var events []EventData
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &events); err != nil {
		return nil, errors.Wrap(err, "unmarshal events")
	}
	return events, nil
}

// LogData is one line of job output.
type LogData struct {
	Timestamp string `json:"timestamp" dynamodbav:"timestamp"`
	Message   string `json:"message" dynamodbav:"message"`
}

// ReadLogs fetches the accumulated log lines for a job.
func (c *Client) ReadLogs(ctx context.Context, jobID string) ([]LogData, error) {
	out, err := c.DB.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.Table),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pkLogPrefix + jobID},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "query logs")
	}
	var logs []LogData
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &logs); err != nil {
		return nil, errors.Wrap(err, "unmarshal logs")
	}
	return logs, nil
}

// ChangeType selects between the plan and apply change records of a job.
type ChangeType string

const (
	ChangeTypePlan  ChangeType = "plan"
	ChangeTypeApply ChangeType = "apply"
)

// ChangeRecord is the stored Sanitiser output plus error text for a job.
type ChangeRecord struct {
	JobID     string                            `json:"job_id"`
	ErrorText string                             `json:"error_text,omitempty"`
	Changes   []domain.SanitizedResourceChange   `json:"changes"`
}

// GetChangeRecord fetches the sanitised change record for a job.
func (c *Client) GetChangeRecord(ctx context.Context, environment, deploymentID, jobID string, changeType ChangeType) (*ChangeRecord, error) {
	out, err := c.DB.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.Table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: "CHANGE#" + environment + "/" + deploymentID},
			"SK": &types.AttributeValueMemberS{Value: string(changeType) + "#" + jobID},
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get change record %s/%s/%s", environment, deploymentID, jobID)
	}
	if out.Item == nil {
		return nil, nil
	}
	var cr ChangeRecord
	if err := attributevalue.UnmarshalMap(out.Item, &cr); err != nil {
		return nil, errors.Wrap(err, "unmarshal change record")
	}
	return &cr, nil
}

// FunctionPayload is the argument to RunFunction. PutDeployment and the
// publish/deprecate paths in registry.go write to the table directly
// instead.
type FunctionPayload struct {
	Action string         `json:"action"`
	Data   map[string]any `json:"data,omitempty"`
	// TransactItems is populated when Action == "transact_write": each
	// entry is marshalled into a DynamoDB Put against c.Table.
	TransactItems []map[string]any `json:"transact_items,omitempty"`
}

// FunctionResponse is RunFunction's result envelope.
type FunctionResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// RunFunction implements the registry's "only primitive for writes":
// base64 upload (opaque to this client; forwarded as Data) and atomic
// multi-item transactions under Action == "transact_write".
func (c *Client) RunFunction(ctx context.Context, payload FunctionPayload) (*FunctionResponse, error) {
	switch payload.Action {
	case "transact_write":
		items := make([]types.TransactWriteItem, 0, len(payload.TransactItems))
		for _, raw := range payload.TransactItems {
			av, err := attributevalue.MarshalMap(raw)
			if err != nil {
				return nil, errors.Wrap(err, "marshal transact item")
			}
			items = append(items, types.TransactWriteItem{
				Put: &types.Put{TableName: aws.String(c.Table), Item: av},
			})
		}
		if _, err := c.DB.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
			return nil, errors.Wrap(err, "transact_write")
		}
		return &FunctionResponse{OK: true}, nil
	default:
		return nil, errors.Errorf("unsupported run_function action %q", payload.Action)
	}
}

// OCIClient is the narrow interface the registry exposes for OCI-backed
// publication (§4.C step 15); the concrete OCI registry I/O is an external
// collaborator per spec.md §1 and is not implemented here.
type OCIClient interface {
	PublishArtifact(ctx context.Context, tag string, body []byte) error
}

// GetOCIClient returns the configured OCI client, or nil when none is set
// (the S3 fan-out path is used instead).
func (c *Client) GetOCIClient() OCIClient { return c.oci }

// WithOCIClient attaches an OCIClient to the registry handle.
func (c *Client) WithOCIClient(o OCIClient) *Client {
	cp := *c
	cp.oci = o
	return &cp
}
