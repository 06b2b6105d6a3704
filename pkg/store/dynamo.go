package store

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/codeready-toolchain/agentgate/pkg/models"
)

// DynamoAPI is the subset of the DynamoDB client the store needs.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Dynamo persists specs in a DynamoDB table with partition key "user_id" and
// sort key "server_id". The full spec rides along as a marshalled attribute.
type Dynamo struct {
	client DynamoAPI
	table  string
}

var _ Store = (*Dynamo)(nil)

func NewDynamo(client DynamoAPI, table string) *Dynamo {
	return &Dynamo{client: client, table: table}
}

type dynamoItem struct {
	UserID   string            `dynamodbav:"user_id"`
	ServerID string            `dynamodbav:"server_id"`
	Spec     models.ServerSpec `dynamodbav:"spec"`
}

func (d *Dynamo) Put(ctx context.Context, userID string, spec models.ServerSpec) error {
	item, err := attributevalue.MarshalMap(dynamoItem{
		UserID:   userID,
		ServerID: spec.ServerID,
		Spec:     spec,
	})
	if err != nil {
		return fmt.Errorf("marshaling spec: %w", err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("%w: put %s/%s: %v", ErrUnavailable, userID, spec.ServerID, err)
	}
	return nil
}

func (d *Dynamo) Get(ctx context.Context, userID, serverID string) (models.ServerSpec, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key:       itemKey(userID, serverID),
	})
	if err != nil {
		return models.ServerSpec{}, fmt.Errorf("%w: get %s/%s: %v", ErrUnavailable, userID, serverID, err)
	}
	if out.Item == nil {
		return models.ServerSpec{}, ErrNotFound
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return models.ServerSpec{}, fmt.Errorf("unmarshaling spec %s/%s: %w", userID, serverID, err)
	}
	return item.Spec, nil
}

func (d *Dynamo) Delete(ctx context.Context, userID, serverID string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       itemKey(userID, serverID),
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s/%s: %v", ErrUnavailable, userID, serverID, err)
	}
	return nil
}

func (d *Dynamo) List(ctx context.Context, userID string) ([]models.ServerSpec, error) {
	var specs []models.ServerSpec
	var startKey map[string]types.AttributeValue
	for {
		out, err := d.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(d.table),
			KeyConditionExpression: aws.String("user_id = :uid"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":uid": &types.AttributeValueMemberS{Value: userID},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: list %s: %v", ErrUnavailable, userID, err)
		}
		for _, raw := range out.Items {
			var item dynamoItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, fmt.Errorf("unmarshaling spec for %s: %w", userID, err)
			}
			specs = append(specs, item.Spec)
		}
		if out.LastEvaluatedKey == nil {
			return specs, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (d *Dynamo) ListUsers(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var users []string
	var startKey map[string]types.AttributeValue
	for {
		out, err := d.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:            aws.String(d.table),
			ProjectionExpression: aws.String("user_id"),
			ExclusiveStartKey:    startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: list users: %v", ErrUnavailable, err)
		}
		for _, raw := range out.Items {
			var item struct {
				UserID string `dynamodbav:"user_id"`
			}
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				continue
			}
			if _, ok := seen[item.UserID]; !ok {
				seen[item.UserID] = struct{}{}
				users = append(users, item.UserID)
			}
		}
		if out.LastEvaluatedKey == nil {
			return users, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func itemKey(userID, serverID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"user_id":   &types.AttributeValueMemberS{Value: userID},
		"server_id": &types.AttributeValueMemberS{Value: serverID},
	}
}
