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

package itest

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	redis "github.com/redis/go-redis/v9"

	"github.com/scailio-oss/dreserve"
	"github.com/scailio-oss/dreserve/internal/claim"
	"github.com/scailio-oss/dreserve/internal/config"
	"github.com/scailio-oss/dreserve/internal/itest/container"
	"github.com/scailio-oss/dreserve/internal/ledger"
)

// Starts a local DynamoDB in a docker container, creates a dynamoDb client for it and creates the ledger and lock
// tables with their default names.
func startDynamoDb() (*dynamodb.Client, func()) {
	hostPort, shutdown := container.Start("amazon/dynamodb-local:latest", "8000/tcp", nil)

	dynamoDbClient := config.NewDynamoDbClient(config.DynamoDbConfig{
		Endpoint:        fmt.Sprintf("http://localhost:%v/", hostPort),
		Region:          "eu-west-1",
		AccessKeyId:     "dummy",
		SecretAccessKey: "dummy",
		SessionToken:    "dummy",
	})

	ctx := context.Background()
	if err := ledger.CreateDynamoDbTable(ctx, dynamoDbClient, dreserve.DefaultLedgerTableName); err != nil {
		fmt.Printf("Error creating ledger table: %v\n", err)
		shutdown()
		panic(err)
	}
	if err := claim.CreateDynamoDbTable(ctx, dynamoDbClient, dreserve.DefaultLockTableName); err != nil {
		fmt.Printf("Error creating lock table: %v\n", err)
		shutdown()
		panic(err)
	}

	fmt.Printf("DynamoDB started and tables created successfully.\n")

	return dynamoDbClient, shutdown
}

// Starts a Redis in a docker container and returns a client for it.
func startRedis() (redis.UniversalClient, func()) {
	hostPort, shutdown := container.Start("redis:7-alpine", "6379/tcp", nil)

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("localhost:%v", hostPort)})
	for i := 0; ; i++ {
		err := client.Ping(context.Background()).Err()
		if err == nil {
			break
		}
		if i == 50 {
			shutdown()
			panic(err)
		}
		fmt.Printf("Waiting for redis: %v\n", err)
		time.Sleep(100 * time.Millisecond)
	}

	return client, func() {
		_ = client.Close()
		shutdown()
	}
}
