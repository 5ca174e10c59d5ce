// Package aws stores document states as S3 objects, one object per document
// under a key prefix.
package aws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"collab-server/core"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
)

type DocumentStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewDocumentStore builds an S3 client from the default credential chain.
func NewDocumentStore(ctx context.Context, bucket, prefix string) (*DocumentStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewDocumentStoreWithClient(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func NewDocumentStoreWithClient(client *s3.Client, bucket, prefix string) *DocumentStore {
	return &DocumentStore{client: client, bucket: bucket, prefix: prefix}
}

func (s *DocumentStore) key(name string) string {
	return s.prefix + name
}

func (s *DocumentStore) Load(ctx context.Context, name string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, core.ErrNotFound
		}
		logrus.WithField("document_name", name).WithError(err).Error("Failed to get document object")
		return nil, fmt.Errorf("get document %s: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", name, err)
	}
	return data, nil
}

func (s *DocumentStore) Save(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(name)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		logrus.WithField("document_name", name).WithError(err).Error("Failed to put document object")
		return fmt.Errorf("put document %s: %w", name, err)
	}
	return nil
}

func (s *DocumentStore) ListDocuments(ctx context.Context) ([]core.StoredDocument, error) {
	var documents []core.StoredDocument

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list documents: %w", err)
		}
		for _, object := range page.Contents {
			doc := core.StoredDocument{
				Name: strings.TrimPrefix(aws.ToString(object.Key), s.prefix),
				Size: int(aws.ToInt64(object.Size)),
			}
			if object.LastModified != nil {
				doc.UpdatedAt = object.LastModified.UnixMilli()
			}
			documents = append(documents, doc)
		}
	}
	return documents, nil
}
