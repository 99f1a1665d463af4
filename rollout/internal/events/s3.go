package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/OptiInfra/Platform/rollout/internal/models"
)

// S3Archiver uploads the final state of terminal workflows to object storage
// under keys like:
//
//	s3://<bucket>/<prefix>/workflows/YYYY/MM/DD/<workflowID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Archiver builds an archiver using ambient AWS configuration
// (AWS_REGION, AWS_PROFILE, credentials from the environment or instance
// role).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

// ArchiveWorkflow uploads the workflow's full state and returns the object
// key. The key is dated by the workflow's last update so reprocessing an old
// workflow lands in its original partition.
func (a *S3Archiver) ArchiveWorkflow(ctx context.Context, st *models.WorkflowState) (string, error) {
	if st == nil {
		return "", fmt.Errorf("nil workflow")
	}
	body, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("marshal workflow: %w", err)
	}

	ts := st.UpdatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	year, month, day := ts.Date()
	key := path.Join(a.prefix, "workflows",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", st.ID),
	)

	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}

// NoopArchiver discards archive requests. Used in dev mode.
type NoopArchiver struct{}

func (NoopArchiver) ArchiveWorkflow(ctx context.Context, st *models.WorkflowState) (string, error) {
	return "", nil
}
