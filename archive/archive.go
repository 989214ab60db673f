// Package archive uploads the records of finished sessions to S3, one JSON object per session.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	awssession "github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/guseggert/liverun/session"
	"go.uber.org/zap"
)

// Archiver is a session.Observer that writes each Record to s3://Bucket/Prefix/<id>.json.
type Archiver struct {
	Log      *zap.SugaredLogger
	S3Client s3iface.S3API
	Bucket   string
	Prefix   string

	region string
}

type Option func(a *Archiver)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(a *Archiver) {
		a.Log = l.Named("archive")
	}
}

func WithPrefix(prefix string) Option {
	return func(a *Archiver) {
		a.Prefix = prefix
	}
}

// WithS3Client replaces the client built from the shared AWS config.
func WithS3Client(c s3iface.S3API) Option {
	return func(a *Archiver) {
		a.S3Client = c
	}
}

// WithRegion sets the region of the client built from the shared AWS config.
// It has no effect together with WithS3Client.
func WithRegion(region string) Option {
	return func(a *Archiver) {
		a.region = region
	}
}

func New(bucket string, opts ...Option) (*Archiver, error) {
	a := &Archiver{
		Log:    zap.NewNop().Sugar(),
		Bucket: bucket,
	}
	for _, o := range opts {
		o(a)
	}
	if a.S3Client == nil {
		sess, err := awssession.NewSessionWithOptions(awssession.Options{
			SharedConfigState: awssession.SharedConfigEnable,
			Config:            aws.Config{Region: regionOrNil(a.region)},
		})
		if err != nil {
			return nil, fmt.Errorf("creating AWS Go SDK session: %w", err)
		}
		a.S3Client = s3.New(sess)
	}
	return a, nil
}

func regionOrNil(r string) *string {
	if r == "" {
		return nil
	}
	return aws.String(r)
}

// Key returns the object key for a session id.
func (a *Archiver) Key(id string) string {
	return path.Join(a.Prefix, id+".json")
}

func (a *Archiver) SessionEnded(ctx context.Context, rec session.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	key := a.Key(rec.ID)
	_, err = a.S3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(b),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("putting %s to S3: %w", key, err)
	}
	a.Log.Debugw("archived session", "SessionID", rec.ID, "Bucket", a.Bucket, "Key", key)
	return nil
}
