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

package config

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	klogv2 "k8s.io/klog/v2"

	"github.com/scailio-oss/dreserve"
)

const (
	BackendDynamoDb = "dynamodb"
	BackendSql      = "sql"
	BackendRedis    = "redis"
	BackendMemory   = "memory"

	SqlDriverSqlite   = "sqlite"
	SqlDriverPostgres = "postgres"
)

type TLSConfig struct {
	CertFilePath string
	KeyFilePath  string
}

type DynamoDbConfig struct {
	// Empty for the regional AWS endpoint.
	Endpoint        string
	Region          string
	AccessKeyId     string
	SecretAccessKey string
	SessionToken    string
}

type RedisConfig struct {
	// Comma separated. More than one address selects a cluster client.
	Addresses string
	Password  string
	Db        int
}

type SqlConfig struct {
	Driver string
	Dsn    string
}

type Runtime struct {
	Done           chan struct{}
	Stop           chan os.Signal
	Context        context.Context
	DynamoDbClient *dynamodb.Client
	RedisClient    redis.UniversalClient
	SqlDb          *gorm.DB
	Registry       *prometheus.Registry
	TracerProvider *sdktrace.TracerProvider
}

type Config struct {
	// Reported by the service banner.
	Version string

	ListenAddress string
	UseTLS        bool
	TLSConfig     TLSConfig

	LedgerBackend   string
	LedgerTableName string
	LockBackend     string
	LockTableName   string

	DynamoDb DynamoDbConfig
	Redis    RedisConfig
	Sql      SqlConfig

	LockTtl        time.Duration
	LockKeyPrefix  string
	BackendTimeout time.Duration
	MaxClockSkew   time.Duration

	TraceStdout bool

	Runtime Runtime
}

func NewConfig() *Config {
	return &Config{
		ListenAddress:   "tcp://0.0.0.0:8000",
		LedgerBackend:   BackendDynamoDb,
		LedgerTableName: dreserve.DefaultLedgerTableName,
		LockBackend:     BackendRedis,
		LockTableName:   dreserve.DefaultLockTableName,
		LockKeyPrefix:   "lock:",
		Sql:             SqlConfig{Driver: SqlDriverPostgres},
	}
}

func (c *Config) usesDynamoDb() bool {
	return c.LedgerBackend == BackendDynamoDb || c.LockBackend == BackendDynamoDb
}

func (c *Config) Validate() error {
	parts := strings.SplitN(c.ListenAddress, "://", 2)
	if len(parts) != 2 || (parts[0] != "tcp" && parts[0] != "unix") || parts[1] == "" {
		return fmt.Errorf("listen address must look like tcp://host:port or unix:///path, got %q", c.ListenAddress)
	}

	if c.UseTLS {
		if len(c.TLSConfig.CertFilePath) == 0 {
			return fmt.Errorf("cert file path is required when TLS is set to true")
		}
		if len(c.TLSConfig.KeyFilePath) == 0 {
			return fmt.Errorf("key file path is required when TLS is set to true")
		}
	}

	switch c.LedgerBackend {
	case BackendDynamoDb:
		if len(c.LedgerTableName) == 0 {
			return fmt.Errorf("ledger table name is required for the dynamodb ledger")
		}
	case BackendSql:
		if c.Sql.Driver != SqlDriverSqlite && c.Sql.Driver != SqlDriverPostgres {
			return fmt.Errorf("unsupported sql driver %q", c.Sql.Driver)
		}
		if len(c.Sql.Dsn) == 0 {
			return fmt.Errorf("sql dsn is required for the sql ledger")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unsupported ledger backend %q", c.LedgerBackend)
	}

	switch c.LockBackend {
	case BackendRedis:
		if len(c.Redis.Addresses) == 0 {
			return fmt.Errorf("redis address is required for redis locks")
		}
	case BackendDynamoDb:
		if len(c.LockTableName) == 0 {
			return fmt.Errorf("lock table name is required for dynamodb locks")
		}
		if c.LockTableName == c.LedgerTableName && c.LedgerBackend == BackendDynamoDb {
			return fmt.Errorf("ledger and locks need different dynamodb tables")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unsupported lock backend %q", c.LockBackend)
	}

	if c.usesDynamoDb() {
		if len(c.DynamoDb.Region) == 0 {
			return fmt.Errorf("dynamodb region is required")
		}
		if len(c.DynamoDb.AccessKeyId) == 0 || len(c.DynamoDb.SecretAccessKey) == 0 {
			return fmt.Errorf("dynamodb access key id and secret access key are required")
		}
	}

	if c.LockTtl < 0 || c.BackendTimeout < 0 || c.MaxClockSkew < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// InitClients creates the clients of the configured backends.
func (c *Config) InitClients() error {
	var err error

	if c.usesDynamoDb() {
		c.Runtime.DynamoDbClient = NewDynamoDbClient(c.DynamoDb)
	}

	if c.LockBackend == BackendRedis {
		c.Runtime.RedisClient = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    strings.Split(c.Redis.Addresses, ","),
			Password: c.Redis.Password,
			DB:       c.Redis.Db,
		})
	}

	if c.LedgerBackend == BackendSql {
		var dialector gorm.Dialector
		if c.Sql.Driver == SqlDriverSqlite {
			dialector = sqlite.Open(c.Sql.Dsn)
		} else {
			dialector = postgres.Open(c.Sql.Dsn)
		}
		c.Runtime.SqlDb, err = gorm.Open(dialector, &gorm.Config{
			Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
			TranslateError: true,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) InitRuntime() error {
	if err := c.InitClients(); err != nil {
		return err
	}

	c.Runtime.Registry = prometheus.NewRegistry()
	c.Runtime.Registry.MustRegister(collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if c.TraceStdout {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		c.Runtime.TracerProvider = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(c.Runtime.TracerProvider)
	}

	// wire up runtime stop and context
	c.Runtime.Stop = make(chan os.Signal, 1)
	c.Runtime.Done = make(chan struct{}, 1)
	var cancel func()
	c.Runtime.Context, cancel = context.WithCancel(context.Background())

	signal.Notify(c.Runtime.Stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-c.Runtime.Stop
		klogv2.Infof("received stop signal")
		cancel()
	}()
	return nil
}

// Close releases the backend clients and flushes traces.
func (c *Config) Close() {
	if c.Runtime.TracerProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Runtime.TracerProvider.Shutdown(ctx); err != nil {
			klogv2.Errorf("failed to flush traces with err:%v", err)
		}
	}
	if c.Runtime.RedisClient != nil {
		_ = c.Runtime.RedisClient.Close()
	}
	if c.Runtime.SqlDb != nil {
		if db, err := c.Runtime.SqlDb.DB(); err == nil {
			_ = db.Close()
		}
	}
}

// ReserverOptions translates the configuration into options for dreserve.NewReserver. InitRuntime must have been
// called before.
func (c *Config) ReserverOptions() []dreserve.ReserverOption {
	opts := []dreserve.ReserverOption{
		dreserve.WithLockTTL(c.LockTtl),
		dreserve.WithLockKeyPrefix(c.LockKeyPrefix),
		dreserve.WithBackendTimeout(c.BackendTimeout),
		dreserve.WithMaxClockSkew(c.MaxClockSkew),
	}
	if c.Runtime.Registry != nil {
		opts = append(opts, dreserve.WithMetricsRegisterer(c.Runtime.Registry))
	}

	switch c.LedgerBackend {
	case BackendDynamoDb:
		opts = append(opts, dreserve.WithDynamoDbLedger(c.Runtime.DynamoDbClient, c.LedgerTableName))
	case BackendSql:
		opts = append(opts, dreserve.WithSqlLedger(c.Runtime.SqlDb))
	case BackendMemory:
		opts = append(opts, dreserve.WithMemoryLedger())
	}

	switch c.LockBackend {
	case BackendRedis:
		opts = append(opts, dreserve.WithRedisLocks(c.Runtime.RedisClient))
	case BackendDynamoDb:
		opts = append(opts, dreserve.WithDynamoDbLocks(c.Runtime.DynamoDbClient, c.LockTableName))
	case BackendMemory:
		opts = append(opts, dreserve.WithMemoryLocks())
	}
	return opts
}

// NewDynamoDbClient creates a client with static credentials, talking to Endpoint if set.
func NewDynamoDbClient(c DynamoDbConfig) *dynamodb.Client {
	config := aws.NewConfig()
	config.Region = c.Region
	if c.Endpoint != "" {
		config.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: c.Endpoint}, nil
			})
	}
	config.Credentials = credentials.StaticCredentialsProvider{Value: aws.Credentials{
		AccessKeyID:     c.AccessKeyId,
		SecretAccessKey: c.SecretAccessKey,
		SessionToken:    c.SessionToken,
		Source:          "dreserve configuration",
	}}
	return dynamodb.NewFromConfig(*config)
}
