/*
 *    Copyright 2022 scailio GmbH
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/benbjohnson/clock"

	error2 "github.com/scailio-oss/dreserve/error"
	"github.com/scailio-oss/dreserve/reserver"
)

const (
	pkFieldName       = "key"
	skFieldName       = "sk"
	idFieldName       = "id"
	ownerFieldName    = "owner"
	createdFieldName  = "createdAt"
	releasedFieldName = "releasedAt"
	activeFieldName   = "active"
	sequenceFieldName = "value"

	// Sort key of the single active record of a resource. Its existence is the uniqueness constraint.
	activeSortKey = "active"
	// Released records are kept under this prefix, followed by the zero-padded record id.
	historySortKeyPrefix = "rec#"
	// Partition and sort key of the item holding the last handed out record id.
	sequenceKey = "__sequence__"
)

// DynamoDB implements Ledger on a DynamoDB table with a String partition key "key" and a String sort key "sk". See
// CreateDynamoDbTable.
type DynamoDB struct {
	dynamoDbClient *dynamodb.Client
	tableName      string
	timeout        time.Duration
	clock          clock.Clock
}

// Creates a new Ledger implementation using a DynamoDB backend. It uses the given dynamoDB table name and adds the
// given timeout to all calls to dynamoDB.
func NewDynamoDb(dynamoDbClient *dynamodb.Client, tableName string, timeout time.Duration, clk clock.Clock) Ledger {
	return &DynamoDB{
		dynamoDbClient: dynamoDbClient,
		tableName:      tableName,
		timeout:        timeout,
		clock:          clk,
	}
}

func (d *DynamoDB) Reserve(ctx context.Context, resourceId string, ownerId string) (*reserver.Record, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		id, err := d.nextId(ctx)
		if err != nil {
			return nil, unavailable("reserve", err)
		}

		rec := reserver.Record{
			Id:         id,
			ResourceId: resourceId,
			OwnerId:    ownerId,
			CreatedAt:  time.UnixMilli(d.clock.Now().UnixMilli()).UTC(),
			Active:     true,
		}

		cond := expression.AttributeNotExists(expression.Name(pkFieldName))
		expr, _ := expression.NewBuilder().WithCondition(cond).Build()

		dynamoCtx, cancel := context.WithTimeout(ctx, d.timeout)
		_, err = d.dynamoDbClient.PutItem(dynamoCtx, &dynamodb.PutItemInput{
			Item:                      recordItem(rec, activeSortKey),
			TableName:                 aws.String(d.tableName),
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		})
		cancel()

		if err == nil {
			return &rec, nil
		}

		var conditionalCheckFailedException *types.ConditionalCheckFailedException
		if !errors.As(err, &conditionalCheckFailedException) {
			return nil, unavailable("reserve", err)
		}

		holder, err := d.getActive(ctx, resourceId)
		if err != nil {
			return nil, unavailable("reserve", err)
		}
		if holder != nil {
			return nil, &error2.ConflictError{ResourceId: resourceId, Owner: holder.OwnerId, Cause: conditionalCheckFailedException}
		}
		// The holder released between our insert and our read, go again.
		lastErr = conditionalCheckFailedException
	}

	return nil, unavailable("reserve", fmt.Errorf("resource kept changing hands: %w", lastErr))
}

func (d *DynamoDB) Release(ctx context.Context, resourceId string, ownerId string) (bool, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		current, err := d.getActive(ctx, resourceId)
		if err != nil {
			return false, unavailable("release", err)
		}
		if current == nil {
			return false, nil
		}
		if current.OwnerId != ownerId {
			return false, &error2.ForbiddenError{ResourceId: resourceId, Owner: ownerId, Holder: current.OwnerId}
		}

		// Only delete exactly the record we just read; the history item is written in the same transaction.
		cond := expression.And(
			expression.AttributeExists(expression.Name(pkFieldName)),
			expression.And(
				expression.Equal(
					expression.Name(ownerFieldName),
					expression.Value(&types.AttributeValueMemberS{Value: ownerId})),
				expression.Equal(
					expression.Name(idFieldName),
					expression.Value(&types.AttributeValueMemberN{Value: strconv.FormatInt(current.Id, 10)}))))

		expr, _ := expression.NewBuilder().WithCondition(cond).Build()

		released := *current
		released.Active = false
		historyItem := recordItem(released, historySortKey(released.Id))
		historyItem[releasedFieldName] = &types.AttributeValueMemberN{Value: strconv.FormatInt(d.clock.Now().UnixMilli(), 10)}

		dynamoCtx, cancel := context.WithTimeout(ctx, d.timeout)
		_, err = d.dynamoDbClient.TransactWriteItems(dynamoCtx, &dynamodb.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{
				{
					Delete: &types.Delete{
						Key:                       itemKey(resourceId, activeSortKey),
						TableName:                 aws.String(d.tableName),
						ConditionExpression:       expr.Condition(),
						ExpressionAttributeNames:  expr.Names(),
						ExpressionAttributeValues: expr.Values(),
					},
				},
				{
					Put: &types.Put{
						Item:      historyItem,
						TableName: aws.String(d.tableName),
					},
				},
			},
		})
		cancel()

		if err == nil {
			return true, nil
		}

		var transactionCanceledException *types.TransactionCanceledException
		if !errors.As(err, &transactionCanceledException) {
			return false, unavailable("release", err)
		}
		// The active record changed since we read it, decide again on the new state.
	}

	return false, unavailable("release", errors.New("resource kept changing hands"))
}

func (d *DynamoDB) Lookup(ctx context.Context, resourceId string) (*reserver.Record, error) {
	current, err := d.getActive(ctx, resourceId)
	if err != nil {
		return nil, unavailable("lookup", err)
	}
	if current != nil {
		return current, nil
	}

	keyCond := expression.KeyAnd(
		expression.Key(pkFieldName).Equal(expression.Value(&types.AttributeValueMemberS{Value: resourceId})),
		expression.Key(skFieldName).BeginsWith(historySortKeyPrefix))

	expr, _ := expression.NewBuilder().WithKeyCondition(keyCond).Build()

	dynamoCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	out, err := d.dynamoDbClient.Query(dynamoCtx, &dynamodb.QueryInput{
		TableName:                 aws.String(d.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(false),
		Limit:                     aws.Int32(1),
		ConsistentRead:            aws.Bool(true),
	})
	if err != nil {
		return nil, unavailable("lookup", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}

	rec, err := parseRecord(out.Items[0])
	if err != nil {
		return nil, unavailable("lookup", err)
	}
	return rec, nil
}

func (d *DynamoDB) Check(ctx context.Context) error {
	dynamoCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	_, err := d.dynamoDbClient.DescribeTable(dynamoCtx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.tableName),
	})
	return err
}

// Atomically increments the sequence item and returns the new value.
func (d *DynamoDB) nextId(ctx context.Context) (int64, error) {
	update := expression.Add(
		expression.Name(sequenceFieldName),
		expression.Value(&types.AttributeValueMemberN{Value: "1"}))

	expr, _ := expression.NewBuilder().WithUpdate(update).Build()

	dynamoCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	out, err := d.dynamoDbClient.UpdateItem(dynamoCtx, &dynamodb.UpdateItemInput{
		Key:                       itemKey(sequenceKey, sequenceKey),
		TableName:                 aws.String(d.tableName),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, err
	}

	a, ok := out.Attributes[sequenceFieldName].(*types.AttributeValueMemberN)
	if !ok {
		return 0, errors.New("sequence item carries no numeric value")
	}
	return strconv.ParseInt(a.Value, 10, 64)
}

func (d *DynamoDB) getActive(ctx context.Context, resourceId string) (*reserver.Record, error) {
	dynamoCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	out, err := d.dynamoDbClient.GetItem(dynamoCtx, &dynamodb.GetItemInput{
		Key:            itemKey(resourceId, activeSortKey),
		TableName:      aws.String(d.tableName),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, nil
	}
	return parseRecord(out.Item)
}

func historySortKey(id int64) string {
	return fmt.Sprintf("%s%020d", historySortKeyPrefix, id)
}

func itemKey(pk string, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		pkFieldName: &types.AttributeValueMemberS{Value: pk},
		skFieldName: &types.AttributeValueMemberS{Value: sk},
	}
}

func recordItem(rec reserver.Record, sk string) map[string]types.AttributeValue {
	itm := itemKey(rec.ResourceId, sk)
	itm[idFieldName] = &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.Id, 10)}
	itm[ownerFieldName] = &types.AttributeValueMemberS{Value: rec.OwnerId}
	itm[createdFieldName] = &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.CreatedAt.UnixMilli(), 10)}
	itm[activeFieldName] = &types.AttributeValueMemberBOOL{Value: rec.Active}
	return itm
}

func parseRecord(itm map[string]types.AttributeValue) (*reserver.Record, error) {
	pk, ok1 := itm[pkFieldName].(*types.AttributeValueMemberS)
	id, ok2 := itm[idFieldName].(*types.AttributeValueMemberN)
	owner, ok3 := itm[ownerFieldName].(*types.AttributeValueMemberS)
	created, ok4 := itm[createdFieldName].(*types.AttributeValueMemberN)
	active, ok5 := itm[activeFieldName].(*types.AttributeValueMemberBOOL)
	if !(ok1 && ok2 && ok3 && ok4 && ok5) {
		return nil, fmt.Errorf("malformed ledger item %v", itm)
	}

	idVal, err := strconv.ParseInt(id.Value, 10, 64)
	if err != nil {
		return nil, err
	}
	createdVal, err := strconv.ParseInt(created.Value, 10, 64)
	if err != nil {
		return nil, err
	}

	return &reserver.Record{
		Id:         idVal,
		ResourceId: pk.Value,
		OwnerId:    owner.Value,
		CreatedAt:  time.UnixMilli(createdVal).UTC(),
		Active:     active.Value,
	}, nil
}

// CreateDynamoDbTable creates the ledger table and waits until it is active.
func CreateDynamoDbTable(ctx context.Context, dynamoDbClient *dynamodb.Client, tableName string) error {
	_, err := dynamoDbClient.CreateTable(ctx, &dynamodb.CreateTableInput{
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String(pkFieldName),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String(skFieldName),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String(pkFieldName),
				KeyType:       types.KeyTypeHash,
			},
			{
				AttributeName: aws.String(skFieldName),
				KeyType:       types.KeyTypeRange,
			},
		},
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return err
	}

	return dynamodb.NewTableExistsWaiter(dynamoDbClient).Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	}, 2*time.Minute)
}
