package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/zzenonn/chainstore/internal/domain"
	apperrors "github.com/zzenonn/chainstore/internal/errors"
)

// DynamoAPI is the subset of the DynamoDB client the job repository uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// JobRepository manages DynamoDB interactions for jobs. Every write is a
// conditional put on the stored version, so two workers can never both win
// the same transition.
type JobRepository struct {
	client    DynamoAPI
	tableName string
	now       func() time.Time
}

// NewJobRepository initializes a new JobRepository.
func NewJobRepository(client DynamoAPI, tableName string) JobRepository {
	return JobRepository{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

type outpointItem struct {
	TxID     string `dynamodbav:"txid"`
	Vout     uint32 `dynamodbav:"vout"`
	Satoshis int64  `dynamodbav:"satoshis"`
}

type locatorItem struct {
	Index       uint32 `dynamodbav:"index"`
	TxID        string `dynamodbav:"txid"`
	PayloadHash string `dynamodbav:"payload_hash"`
}

type jobItem struct {
	ID        string    `dynamodbav:"id"`
	Kind      string    `dynamodbav:"kind"`
	State     string    `dynamodbav:"state"`
	Version   int64     `dynamodbav:"version"`
	CreatedAt time.Time `dynamodbav:"created_at"`
	UpdatedAt time.Time `dynamodbav:"updated_at"`

	FileName    string `dynamodbav:"file_name,omitempty"`
	ContentType string `dynamodbav:"content_type,omitempty"`
	FileSize    int64  `dynamodbav:"file_size"`
	FileHash    string `dynamodbav:"file_hash,omitempty"`
	ChunkSize   int    `dynamodbav:"chunk_size"`
	ChunkCount  int    `dynamodbav:"chunk_count"`

	TotalTxBytes    int64          `dynamodbav:"total_tx_bytes"`
	FeeDue          int64          `dynamodbav:"fee_due"`
	PaymentAddress  string         `dynamodbav:"payment_address,omitempty"`
	AmountDue       int64          `dynamodbav:"amount_due"`
	PaymentDeadline *time.Time     `dynamodbav:"payment_deadline,omitempty"`
	FeeRate         float64        `dynamodbav:"fee_rate,omitempty"`
	StagingRef      string         `dynamodbav:"staging_ref,omitempty"`
	Funding         []outpointItem `dynamodbav:"funding,omitempty"`
	Locators        []locatorItem  `dynamodbav:"locators,omitempty"`

	ManifestTxID    string `dynamodbav:"manifest_txid,omitempty"`
	ManifestPayload []byte `dynamodbav:"manifest_payload,omitempty"`

	Message   string `dynamodbav:"message,omitempty"`
	Error     string `dynamodbav:"error,omitempty"`
	ResultRef string `dynamodbav:"result_ref,omitempty"`
}

func toItem(j domain.Job) jobItem {
	it := jobItem{
		ID:              j.ID,
		Kind:            string(j.Kind),
		State:           string(j.State),
		Version:         j.Version,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		FileName:        j.FileName,
		ContentType:     j.ContentType,
		FileSize:        j.FileSize,
		ChunkSize:       j.ChunkSize,
		ChunkCount:      j.ChunkCount,
		TotalTxBytes:    j.TotalTxBytes,
		FeeDue:          j.FeeDue,
		PaymentAddress:  j.PaymentAddress,
		AmountDue:       j.AmountDue,
		FeeRate:         j.FeeRate,
		StagingRef:      j.StagingRef,
		ManifestPayload: j.ManifestPayload,
		Message:         j.Message,
		Error:           j.Error,
		ResultRef:       j.ResultRef,
	}
	if j.FileHash != (domain.Digest{}) {
		it.FileHash = j.FileHash.String()
	}
	if !j.ManifestTxID.IsZero() {
		it.ManifestTxID = j.ManifestTxID.String()
	}
	if !j.PaymentDeadline.IsZero() {
		d := j.PaymentDeadline
		it.PaymentDeadline = &d
	}
	for _, f := range j.Funding {
		it.Funding = append(it.Funding, outpointItem{TxID: f.TxID.String(), Vout: f.Vout, Satoshis: f.Satoshis})
	}
	for _, l := range j.Locators {
		it.Locators = append(it.Locators, locatorItem{Index: l.Index, TxID: l.TxID.String(), PayloadHash: l.PayloadHash.String()})
	}
	return it
}

func fromItem(it jobItem) (domain.Job, error) {
	j := domain.Job{
		ID:              it.ID,
		Kind:            domain.JobKind(it.Kind),
		State:           domain.JobState(it.State),
		Version:         it.Version,
		CreatedAt:       it.CreatedAt,
		UpdatedAt:       it.UpdatedAt,
		FileName:        it.FileName,
		ContentType:     it.ContentType,
		FileSize:        it.FileSize,
		ChunkSize:       it.ChunkSize,
		ChunkCount:      it.ChunkCount,
		TotalTxBytes:    it.TotalTxBytes,
		FeeDue:          it.FeeDue,
		PaymentAddress:  it.PaymentAddress,
		AmountDue:       it.AmountDue,
		FeeRate:         it.FeeRate,
		StagingRef:      it.StagingRef,
		ManifestPayload: it.ManifestPayload,
		Message:         it.Message,
		Error:           it.Error,
		ResultRef:       it.ResultRef,
	}
	if it.PaymentDeadline != nil {
		j.PaymentDeadline = *it.PaymentDeadline
	}
	if it.FileHash != "" {
		if err := j.FileHash.UnmarshalText([]byte(it.FileHash)); err != nil {
			return domain.Job{}, err
		}
	}
	if it.ManifestTxID != "" {
		if err := j.ManifestTxID.UnmarshalText([]byte(it.ManifestTxID)); err != nil {
			return domain.Job{}, err
		}
	}
	for _, f := range it.Funding {
		id, err := domain.ParseTxID(f.TxID)
		if err != nil {
			return domain.Job{}, err
		}
		j.Funding = append(j.Funding, domain.Outpoint{TxID: id, Vout: f.Vout, Satoshis: f.Satoshis})
	}
	for _, l := range it.Locators {
		loc := domain.Locator{Index: l.Index}
		if err := loc.TxID.UnmarshalText([]byte(l.TxID)); err != nil {
			return domain.Job{}, err
		}
		if err := loc.PayloadHash.UnmarshalText([]byte(l.PayloadHash)); err != nil {
			return domain.Job{}, err
		}
		j.Locators = append(j.Locators, loc)
	}
	return j, nil
}

// Create stores a new job; an existing id is rejected.
func (repo *JobRepository) Create(ctx context.Context, job domain.Job) (domain.Job, error) {
	j, err := prepareNew(job, repo.now().UTC())
	if err != nil {
		return domain.Job{}, err
	}
	item, err := attributevalue.MarshalMap(toItem(j))
	if err != nil {
		return domain.Job{}, fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = repo.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(repo.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return domain.Job{}, apperrors.Validationf("job %s already exists", j.ID)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("failed to create job: %w", err)
	}
	return j, nil
}

// Get retrieves a job by id with a strongly consistent read.
func (repo *JobRepository) Get(ctx context.Context, id string) (domain.Job, error) {
	result, err := repo.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(repo.tableName),
		ConsistentRead: aws.Bool(true),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return domain.Job{}, fmt.Errorf("failed to get job: %w", err)
	}
	if result.Item == nil {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, apperrors.FetchingResourceError("job"))
	}

	var item jobItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return domain.Job{}, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return fromItem(item)
}

// Transition moves job id from expected to next and applies upd.
func (repo *JobRepository) Transition(ctx context.Context, id string, expected, next domain.JobState, upd domain.JobUpdate) (domain.Job, error) {
	cur, err := repo.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	j, err := nextJob(cur, expected, next, upd, repo.now().UTC())
	if err != nil {
		return domain.Job{}, err
	}
	return repo.put(ctx, j, expected, cur.Version)
}

// ClaimResult clears the result reference of a completed download, provided
// nobody wrote the job since version was read.
func (repo *JobRepository) ClaimResult(ctx context.Context, id string, version int64) (domain.Job, error) {
	cur, err := repo.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	j, err := claimedResult(cur, version, repo.now().UTC())
	if err != nil {
		return domain.Job{}, err
	}
	return repo.put(ctx, j, cur.State, cur.Version)
}

// put writes j back if the stored job is still in state at version.
func (repo *JobRepository) put(ctx context.Context, j domain.Job, state domain.JobState, version int64) (domain.Job, error) {
	item, err := attributevalue.MarshalMap(toItem(j))
	if err != nil {
		return domain.Job{}, fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = repo.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(repo.tableName),
		Item:                item,
		ConditionExpression: aws.String("#version = :version AND #state = :state"),
		ExpressionAttributeNames: map[string]string{
			"#version": "version",
			"#state":   "state",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":version": &types.AttributeValueMemberN{Value: fmt.Sprint(version)},
			":state":   &types.AttributeValueMemberS{Value: string(state)},
		},
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return domain.Job{}, fmt.Errorf("%w: job %s was modified concurrently", apperrors.ErrStaleState, j.ID)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("failed to update job: %w", err)
	}
	return j, nil
}

// ListActive returns every non-terminal job, oldest first.
func (repo *JobRepository) ListActive(ctx context.Context) ([]domain.Job, error) {
	jobs, err := repo.scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(repo.tableName),
		FilterExpression: aws.String("NOT (#state IN (:completed, :failed, :expired))"),
		ExpressionAttributeNames: map[string]string{
			"#state": "state",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":completed": &types.AttributeValueMemberS{Value: string(domain.StateCompleted)},
			":failed":    &types.AttributeValueMemberS{Value: string(domain.StateFailed)},
			":expired":   &types.AttributeValueMemberS{Value: string(domain.StateExpired)},
		},
	})
	if err != nil {
		return nil, err
	}
	sortOldestFirst(jobs)
	return jobs, nil
}

// List returns up to limit jobs, newest first.
func (repo *JobRepository) List(ctx context.Context, limit int) ([]domain.Job, error) {
	jobs, err := repo.scan(ctx, &dynamodb.ScanInput{TableName: aws.String(repo.tableName)})
	if err != nil {
		return nil, err
	}
	return newestFirst(jobs, limit), nil
}

func (repo *JobRepository) scan(ctx context.Context, input *dynamodb.ScanInput) ([]domain.Job, error) {
	var jobs []domain.Job
	paginator := dynamodb.NewScanPaginator(repo.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan jobs: %w", err)
		}
		for _, raw := range page.Items {
			var item jobItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, fmt.Errorf("failed to unmarshal job: %w", err)
			}
			j, err := fromItem(item)
			if err != nil {
				return nil, fmt.Errorf("failed to decode job %s: %w", item.ID, err)
			}
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}
