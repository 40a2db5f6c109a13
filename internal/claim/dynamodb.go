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

package claim

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/benbjohnson/clock"
)

const (
	pkFieldName      = "key"
	tokenFieldName   = "token"
	expiresFieldName = "expiresAt"
	// Epoch seconds, for the table's TTL setting to sweep claims nobody released.
	ttlFieldName = "ttl"
)

// DynamoDB implements Store on a DynamoDB table with a String partition key "key". DynamoDB TTL deletes items lazily,
// therefore an expired claim is taken over by the next Acquire once expiresAt is older than maxClockSkew.
type DynamoDB struct {
	dynamoDbClient *dynamodb.Client
	tableName      string
	timeout        time.Duration
	clock          clock.Clock
	maxClockSkew   time.Duration
}

// Creates a new Store using a DynamoDB backend. It uses the given dynamoDB table name and adds the given timeout to
// all calls to dynamoDB.
func NewDynamoDb(dynamoDbClient *dynamodb.Client, tableName string, timeout time.Duration, clk clock.Clock,
	maxClockSkew time.Duration) Store {
	return &DynamoDB{
		dynamoDbClient: dynamoDbClient,
		tableName:      tableName,
		timeout:        timeout,
		clock:          clk,
		maxClockSkew:   maxClockSkew,
	}
}

func (d *DynamoDB) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	now := d.clock.Now()
	expiresAt := now.Add(ttl)
	takeOverUntil := now.Add(-d.maxClockSkew)
	token := newToken()

	itm := map[string]types.AttributeValue{
		pkFieldName:      &types.AttributeValueMemberS{Value: key},
		tokenFieldName:   &types.AttributeValueMemberS{Value: token},
		expiresFieldName: &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt.UnixMilli(), 10)},
		ttlFieldName:     &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt.Add(time.Second).Unix(), 10)},
	}

	cond := expression.Or(
		expression.AttributeNotExists(expression.Name(pkFieldName)),
		expression.LessThanEqual(
			expression.Name(expiresFieldName),
			expression.Value(&types.AttributeValueMemberN{Value: strconv.FormatInt(takeOverUntil.UnixMilli(), 10)})))

	expr, _ := expression.NewBuilder().WithCondition(cond).Build()

	dynamoCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	_, err := d.dynamoDbClient.PutItem(dynamoCtx, &dynamodb.PutItemInput{
		Item:                      itm,
		TableName:                 aws.String(d.tableName),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})

	if err != nil {
		var conditionalCheckFailedException *types.ConditionalCheckFailedException
		if errors.As(err, &conditionalCheckFailedException) {
			return "", false, nil
		}
		return "", false, err
	}
	return token, true, nil
}

func (d *DynamoDB) Release(ctx context.Context, key string, token string) (bool, error) {
	itemKey := map[string]types.AttributeValue{
		pkFieldName: &types.AttributeValueMemberS{Value: key},
	}

	cond := expression.And(
		expression.AttributeExists(expression.Name(pkFieldName)),
		expression.Equal(
			expression.Name(tokenFieldName),
			expression.Value(&types.AttributeValueMemberS{Value: token})))

	expr, _ := expression.NewBuilder().WithCondition(cond).Build()

	dynamoCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	_, err := d.dynamoDbClient.DeleteItem(dynamoCtx, &dynamodb.DeleteItemInput{
		Key:                       itemKey,
		TableName:                 aws.String(d.tableName),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})

	if err != nil {
		var conditionalCheckFailedException *types.ConditionalCheckFailedException
		if errors.As(err, &conditionalCheckFailedException) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *DynamoDB) Check(ctx context.Context) error {
	dynamoCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	_, err := d.dynamoDbClient.DescribeTable(dynamoCtx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.tableName),
	})
	return err
}

// CreateDynamoDbTable creates the claim table, waits until it is active and enables TTL on it.
func CreateDynamoDbTable(ctx context.Context, dynamoDbClient *dynamodb.Client, tableName string) error {
	_, err := dynamoDbClient.CreateTable(ctx, &dynamodb.CreateTableInput{
		AttributeDefinitions: []types.AttributeDefinition{{
			AttributeName: aws.String(pkFieldName),
			AttributeType: types.ScalarAttributeTypeS,
		}},
		KeySchema: []types.KeySchemaElement{{
			AttributeName: aws.String(pkFieldName),
			KeyType:       types.KeyTypeHash,
		}},
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return err
	}

	err = dynamodb.NewTableExistsWaiter(dynamoDbClient).Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	}, 2*time.Minute)
	if err != nil {
		return err
	}

	_, err = dynamoDbClient.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(tableName),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String(ttlFieldName),
			Enabled:       aws.Bool(true),
		},
	})
	return err
}
