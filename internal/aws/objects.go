package aws

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectSigner hands out short-lived GET URLs for objects in one bucket.
type ObjectSigner struct {
	client S3PresignAPI
	bucket string
	ttl    time.Duration
}

// NewObjectSigner returns a signer for bucket whose URLs stay valid for ttl.
func NewObjectSigner(client S3PresignAPI, bucket string, ttl time.Duration) *ObjectSigner {
	return &ObjectSigner{client: client, bucket: bucket, ttl: ttl}
}

// PresignDownload signs a GET for key. S3 answers it with an attachment
// named fileName.
func (s *ObjectSigner) PresignDownload(ctx context.Context, key, fileName string) (string, error) {
	if s.bucket == "" {
		return "", fmt.Errorf("presign object: bucket not configured")
	}
	disposition := "attachment; filename*=UTF-8''" + url.PathEscape(fileName)
	req, err := s.client.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket:                     &s.bucket,
		Key:                        &key,
		ResponseContentDisposition: &disposition,
		ResponseContentType:        awsString("application/pdf"),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", fmt.Errorf("presign object: %w", err)
	}
	return req.URL, nil
}
