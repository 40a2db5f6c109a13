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
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/urfave/cli"
	klogv2 "k8s.io/klog/v2"

	"github.com/scailio-oss/dreserve"
	"github.com/scailio-oss/dreserve/internal/claim"
	"github.com/scailio-oss/dreserve/internal/config"
	"github.com/scailio-oss/dreserve/internal/frontend"
	"github.com/scailio-oss/dreserve/internal/ledger"
	internallogger "github.com/scailio-oss/dreserve/internal/logger"
)

// version mgmt, set in makefile
var Version string
var Buildtime string

func main() {
	defer klogv2.Flush()

	config := config.NewConfig()
	config.Version = Version

	err := newApp(config).Run(os.Args)
	if err != nil {
		klogv2.Errorf("failed to run app with err:%v", err)
		klogv2.Flush()
		os.Exit(1)
	}
}

func newApp(config *config.Config) *cli.App {
	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klogv2.InitFlags(klogFlags)

	app := cli.NewApp()
	app.Name = "dreserve"
	app.Usage = "hands out exclusive reservations of named resources"
	app.Version = Version
	// -v is taken by cli.VersionFlag
	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "verbosity",
			Usage: "log verbosity, 4 enables debug logs",
		},
	}
	app.Before = func(c *cli.Context) error {
		return klogFlags.Set("v", strconv.Itoa(c.GlobalInt("verbosity")))
	}
	app.Commands = []cli.Command{
		{
			Name:  "run",
			Usage: "serves the HTTP api",
			Flags: append(getBackendFlags(config), getRunFlags(config)...),
			Action: func(c *cli.Context) error {
				return startApp(config)
			},
		},
		{
			Name:  "create-tables",
			Usage: "creates the DynamoDB tables or migrates the SQL schema of the configured backends",
			Flags: getBackendFlags(config),
			Action: func(c *cli.Context) error {
				return createTables(config)
			},
		},
		{
			Name:  "version",
			Usage: "prints version and build time of this binary",
			Action: func(c *cli.Context) error {
				fmt.Fprintf(c.App.Writer, "Version: %s\n", Version)
				fmt.Fprintf(c.App.Writer, "BuildTime: %s\n", Buildtime)
				return nil
			},
		},
	}
	return app
}

func startApp(c *config.Config) error {
	// validate config
	if err := c.Validate(); err != nil {
		return err
	}

	if err := c.InitRuntime(); err != nil {
		return err
	}
	defer c.Close()

	r, err := dreserve.NewReserver(append(c.ReserverOptions(), dreserve.WithLogger(internallogger.Default()))...)
	if err != nil {
		return err
	}

	if h := r.Health(c.Runtime.Context); !h.Healthy() {
		klogv2.Warningf("backends not healthy at startup, ledger:%v locks:%v", h.Ledger, h.Locks)
	}

	fe, err := frontend.NewFrontend(c, r)
	if err != nil {
		return err
	}

	err = fe.StartListening()
	if err != nil {
		return err
	}

	<-c.Runtime.Done
	return nil
}

func createTables(c *config.Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := c.InitClients(); err != nil {
		return err
	}
	defer c.Close()

	ctx := context.Background()

	switch c.LedgerBackend {
	case config.BackendDynamoDb:
		klogv2.Infof("creating ledger table %s", c.LedgerTableName)
		if err := ledger.CreateDynamoDbTable(ctx, c.Runtime.DynamoDbClient, c.LedgerTableName); err != nil {
			return err
		}
	case config.BackendSql:
		klogv2.Infof("migrating sql schema")
		if _, err := ledger.NewSql(c.Runtime.SqlDb, c.BackendTimeout, clock.New()); err != nil {
			return err
		}
	}

	if c.LockBackend == config.BackendDynamoDb {
		klogv2.Infof("creating lock table %s", c.LockTableName)
		if err := claim.CreateDynamoDbTable(ctx, c.Runtime.DynamoDbClient, c.LockTableName); err != nil {
			return err
		}
	}

	klogv2.Infof("tables ready")
	return nil
}

func getBackendFlags(config *config.Config) []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:        "ledger-backend",
			Usage:       "dynamodb, sql or memory",
			Value:       config.LedgerBackend,
			EnvVar:      "DRESERVE_LEDGER_BACKEND",
			Destination: &config.LedgerBackend,
		},
		cli.StringFlag{
			Name:        "ledger-table-name",
			Usage:       "dynamodb table of the ledger",
			Value:       config.LedgerTableName,
			EnvVar:      "DRESERVE_LEDGER_TABLE_NAME",
			Destination: &config.LedgerTableName,
		},
		cli.StringFlag{
			Name:        "lock-backend",
			Usage:       "redis, dynamodb or memory",
			Value:       config.LockBackend,
			EnvVar:      "DRESERVE_LOCK_BACKEND",
			Destination: &config.LockBackend,
		},
		cli.StringFlag{
			Name:        "lock-table-name",
			Usage:       "dynamodb table of the locks",
			Value:       config.LockTableName,
			EnvVar:      "DRESERVE_LOCK_TABLE_NAME",
			Destination: &config.LockTableName,
		},

		cli.StringFlag{
			Name:        "dynamodb-endpoint",
			Usage:       "dynamodb endpoint url, e.g. of a dynamodb-local. Empty for AWS",
			EnvVar:      "DRESERVE_DYNAMODB_ENDPOINT",
			Destination: &config.DynamoDb.Endpoint,
		},
		cli.StringFlag{
			Name:        "dynamodb-region",
			EnvVar:      "AWS_REGION",
			Destination: &config.DynamoDb.Region,
		},
		cli.StringFlag{
			Name:        "aws-access-key-id",
			EnvVar:      "AWS_ACCESS_KEY_ID",
			Destination: &config.DynamoDb.AccessKeyId,
		},
		cli.StringFlag{
			Name:        "aws-secret-access-key",
			EnvVar:      "AWS_SECRET_ACCESS_KEY",
			Destination: &config.DynamoDb.SecretAccessKey,
		},
		cli.StringFlag{
			Name:        "aws-session-token",
			EnvVar:      "AWS_SESSION_TOKEN",
			Destination: &config.DynamoDb.SessionToken,
		},

		cli.StringFlag{
			Name:        "redis-address",
			Usage:       "host:port, comma separated for a cluster",
			EnvVar:      "DRESERVE_REDIS_ADDRESS",
			Destination: &config.Redis.Addresses,
		},
		cli.StringFlag{
			Name:        "redis-password",
			EnvVar:      "DRESERVE_REDIS_PASSWORD",
			Destination: &config.Redis.Password,
		},
		cli.IntFlag{
			Name:        "redis-db",
			EnvVar:      "DRESERVE_REDIS_DB",
			Destination: &config.Redis.Db,
		},

		cli.StringFlag{
			Name:        "sql-driver",
			Usage:       "postgres or sqlite",
			Value:       config.Sql.Driver,
			EnvVar:      "DRESERVE_SQL_DRIVER",
			Destination: &config.Sql.Driver,
		},
		cli.StringFlag{
			Name:        "sql-dsn",
			EnvVar:      "DRESERVE_SQL_DSN",
			Destination: &config.Sql.Dsn,
		},

		cli.DurationFlag{
			Name:        "backend-timeout",
			Usage:       "timeout of every single call to ledger or lock store",
			Value:       time.Second,
			EnvVar:      "DRESERVE_BACKEND_TIMEOUT",
			Destination: &config.BackendTimeout,
		},
	}
}

func getRunFlags(config *config.Config) []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:        "listen-address",
			Value:       config.ListenAddress,
			EnvVar:      "DRESERVE_LISTEN_ADDRESS",
			Destination: &config.ListenAddress,
		},
		cli.BoolFlag{
			Name:        "use-tls",
			EnvVar:      "DRESERVE_USE_TLS",
			Destination: &config.UseTLS,
		},
		cli.StringFlag{
			Name:        "cert-file",
			Usage:       "path to the server TLS cert file",
			Destination: &config.TLSConfig.CertFilePath,
		},
		cli.StringFlag{
			Name:        "key-file",
			Usage:       "path to the server TLS key file",
			Destination: &config.TLSConfig.KeyFilePath,
		},

		cli.DurationFlag{
			Name:        "lock-ttl",
			Usage:       "lifetime of the lock in front of the ledger",
			Value:       10 * time.Second,
			EnvVar:      "DRESERVE_LOCK_TTL",
			Destination: &config.LockTtl,
		},
		cli.StringFlag{
			Name:        "lock-key-prefix",
			Value:       config.LockKeyPrefix,
			EnvVar:      "DRESERVE_LOCK_KEY_PREFIX",
			Destination: &config.LockKeyPrefix,
		},
		cli.DurationFlag{
			Name:        "max-clock-skew",
			Usage:       "upper bound of clock differences between instances, used by dynamodb locks",
			Value:       time.Second,
			EnvVar:      "DRESERVE_MAX_CLOCK_SKEW",
			Destination: &config.MaxClockSkew,
		},
		cli.BoolFlag{
			Name:        "trace-stdout",
			Usage:       "print OpenTelemetry spans to stdout",
			EnvVar:      "DRESERVE_TRACE_STDOUT",
			Destination: &config.TraceStdout,
		},
	}
}
