package db

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/chainstore/internal/repository/migrate"
)

type DynamoDb struct {
	Client    *dynamodb.Client
	TableName string
}

func NewDatabase(awsConfig aws.Config, tableName string) (*DynamoDb, error) {
	client := dynamodb.NewFromConfig(awsConfig)
	if client == nil {
		return nil, fmt.Errorf("failed to create DynamoDB client")
	}
	if tableName == "" {
		tableName = migrate.DefaultJobsTableName
	}

	return &DynamoDb{
		Client:    client,
		TableName: tableName,
	}, nil
}

// MigrateDb applies every DynamoDB migration in order. Creating a table that
// already exists is not an error.
func (d *DynamoDb) MigrateDb(ctx context.Context) error {
	for _, m := range migrate.DynamoMigrations(d.TableName) {
		log.Debugf("Applying migration %s to %s", m.Version(), m.TableName())
		if err := m.Up(ctx, d.Client); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", m.Version(), err)
		}
	}
	return nil
}

// MigrateDown reverts migrations newest first.
func (d *DynamoDb) MigrateDown(ctx context.Context) error {
	migrations := migrate.DynamoMigrations(d.TableName)
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		log.Debugf("Reverting migration %s on %s", m.Version(), m.TableName())
		if err := m.Down(ctx, d.Client); err != nil {
			return fmt.Errorf("failed to revert migration %s: %w", m.Version(), err)
		}
	}
	return nil
}

// Jobs returns the job repository backed by this table.
func (d *DynamoDb) Jobs() JobRepository {
	return NewJobRepository(d.Client, d.TableName)
}
