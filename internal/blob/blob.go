// Package blob stores uploaded submission files and hands back opaque refs.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"partner-portal/internal/common/errors"
	"partner-portal/internal/common/logger"
)

// MaxFileSize caps a single upload.
const MaxFileSize = 100 << 20

// Object is one upload.
type Object struct {
	PartnerID     string
	DeliverableID string
	Filename      string
	ContentType   string
	Body          io.Reader
}

// Store persists uploads. Put returns the ref recorded on the submission.
type Store interface {
	Put(ctx context.Context, obj Object) (string, error)
}

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Store struct {
	client S3API
	bucket string
	logger logger.Logger
}

func NewS3Store(client S3API, bucket string, log logger.Logger) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		logger: log.WithFields(map[string]interface{}{"component": "blob"}),
	}
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ObjectKey namespaces an upload under its partner and deliverable.
func ObjectKey(obj Object) string {
	name := unsafeChars.ReplaceAllString(path.Base(strings.TrimSpace(obj.Filename)), "_")
	if name == "" || name == "." || name == "_" {
		name = "upload"
	}
	return fmt.Sprintf("partners/%s/deliverables/%s/%s-%s", obj.PartnerID, obj.DeliverableID, uuid.NewString(), name)
}

func (s *S3Store) Put(ctx context.Context, obj Object) (string, error) {
	data, err := readLimited(obj.Body)
	if err != nil {
		return "", err
	}

	key := ObjectKey(obj)
	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata: map[string]string{
			"partner-id":     obj.PartnerID,
			"deliverable-id": obj.DeliverableID,
		},
	})
	if err != nil {
		s.logger.Error("Failed to upload submission file", map[string]interface{}{
			"bucket": s.bucket,
			"key":    key,
			"error":  err.Error(),
		})
		return "", errors.NewUpstreamTimeoutError("s3", err)
	}

	ref := fmt.Sprintf("s3://%s/%s", s.bucket, key)
	s.logger.Info("Submission file stored", map[string]interface{}{"ref": ref, "size": len(data)})
	return ref, nil
}

func readLimited(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, errors.NewInvalidPayloadError("file is required")
	}
	data, err := io.ReadAll(io.LimitReader(r, MaxFileSize+1))
	if err != nil {
		return nil, errors.NewInvalidPayloadError(fmt.Sprintf("failed to read upload: %v", err))
	}
	if len(data) == 0 {
		return nil, errors.NewInvalidPayloadError("file is empty")
	}
	if len(data) > MaxFileSize {
		return nil, errors.NewInvalidPayloadError(fmt.Sprintf("file exceeds %d bytes", MaxFileSize))
	}
	return data, nil
}

// MemoryStore keeps uploads in process, for tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string][]byte{}}
}

func (m *MemoryStore) Put(_ context.Context, obj Object) (string, error) {
	data, err := readLimited(obj.Body)
	if err != nil {
		return "", err
	}
	ref := "mem://" + ObjectKey(obj)
	m.mu.Lock()
	m.objects[ref] = data
	m.mu.Unlock()
	return ref, nil
}

// Get returns a stored object.
func (m *MemoryStore) Get(ref string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[ref]
	return data, ok
}

var (
	_ Store = (*S3Store)(nil)
	_ Store = (*MemoryStore)(nil)
)
