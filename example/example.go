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

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	redis "github.com/redis/go-redis/v9"

	"github.com/scailio-oss/dreserve"
	error2 "github.com/scailio-oss/dreserve/error"
)

func main() {
	awsConfig := aws.Config{} // Whatever you need to create the config
	dynamoDbClient := dynamodb.NewFromConfig(awsConfig)
	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})

	reserver, err := dreserve.NewReserver(
		// The ledger decides who holds a resource.
		dreserve.WithDynamoDbLedger(dynamoDbClient, dreserve.DefaultLedgerTableName),
		// The lock serializes concurrent reservations of the same resource.
		dreserve.WithRedisLocks(redisClient),
		// This reserver reserves objects of type 'streets in NYC'
		dreserve.WithLockKeyPrefix("nyc-street-"),
		dreserve.WithLockTTL(10*time.Second),
		dreserve.WithBackendTimeout(1*time.Second),
	)
	if err != nil {
		fmt.Printf("Could not create reserver: %v\n", err)
		return
	}

	// Try to reserve 'wallstreet' for 'alice', retrying while the lock is taken.
	reserved := false
	for attempt := 0; attempt < 5 && !reserved; attempt++ {
		res, err := reserver.Reserve(context.Background(), "wallstreet", "alice")
		if error2.IsTransient(err) {
			time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
			continue
		}
		if err != nil {
			// e.g. an *error.ConflictError naming the current holder
			fmt.Printf("Could not reserve: %v\n", err)
			return
		}
		fmt.Printf("Reserved wallstreet, reservation %d\n", res.Record.Id)
		reserved = true
	}
	if !reserved {
		fmt.Printf("Gave up, wallstreet stayed busy\n")
		return
	}

	// TODO do things exclusively on object 'wallstreet'

	if _, err := reserver.Release(context.Background(), "wallstreet", "alice"); err != nil {
		fmt.Printf("Could not release: %v\n", err)
	}
}
