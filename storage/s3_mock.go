package storage

import (
	"context"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MockS3Client is an in-memory S3Client for tests: a key -> object map
// with metadata, continuation-token listing and an injectable error.
type MockS3Client struct {
	mu sync.Mutex
	// Objects stores mock objects with their content and metadata
	Objects map[string]*MockS3Object
	// Err, when set, is returned from every operation
	Err error
	// PutCalls counts PutObject invocations
	PutCalls int
	// HeadCalls counts HeadObject invocations
	HeadCalls int
}

// MockS3Object is one stored object.
type MockS3Object struct {
	Key      string
	Content  []byte
	Metadata map[string]string
}

// NewMockS3Client creates an empty mock.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{Objects: make(map[string]*MockS3Object)}
}

// HeadBucket reports every bucket as accessible unless an error is
// injected.
func (m *MockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return &s3.HeadBucketOutput{}, nil
}

// PutObject stores the body and metadata under the key.
func (m *MockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutCalls++
	if m.Err != nil {
		return nil, m.Err
	}
	var content []byte
	if params.Body != nil {
		var err error
		content, err = io.ReadAll(params.Body)
		if err != nil {
			return nil, err
		}
	}
	metadata := make(map[string]string, len(params.Metadata))
	for k, v := range params.Metadata {
		metadata[strings.ToLower(k)] = v
	}
	m.Objects[*params.Key] = &MockS3Object{
		Key:      *params.Key,
		Content:  content,
		Metadata: metadata,
	}
	return &s3.PutObjectOutput{}, nil
}

// GetObject returns the stored body or NoSuchKey.
func (m *MockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	object, ok := m.Objects[*params.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader(string(object.Content))),
		ContentLength: aws.Int64(int64(len(object.Content))),
	}, nil
}

// HeadObject returns the stored metadata or NotFound.
func (m *MockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HeadCalls++
	if m.Err != nil {
		return nil, m.Err
	}
	object, ok := m.Objects[*params.Key]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(object.Content))),
		Metadata:      object.Metadata,
	}, nil
}

// DeleteObject removes the key; deleting an absent key succeeds, matching
// the service.
func (m *MockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	delete(m.Objects, *params.Key)
	return &s3.DeleteObjectOutput{}, nil
}

// ListObjectsV2 lists keys under the prefix in sorted order with numeric
// continuation tokens.
func (m *MockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	prefix := ""
	if params.Prefix != nil {
		prefix = *params.Prefix
	}
	var keys []string
	for key := range m.Objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	offset := 0
	if params.ContinuationToken != nil {
		var err error
		offset, err = strconv.Atoi(*params.ContinuationToken)
		if err != nil {
			offset = 0
		}
	}
	limit := 1000
	if params.MaxKeys != nil && *params.MaxKeys > 0 {
		limit = int(*params.MaxKeys)
	}
	if offset > len(keys) {
		offset = len(keys)
	}
	end := offset + limit
	if end > len(keys) {
		end = len(keys)
	}
	contents := make([]types.Object, 0, end-offset)
	for _, key := range keys[offset:end] {
		contents = append(contents, types.Object{
			Key:  aws.String(key),
			Size: aws.Int64(int64(len(m.Objects[key].Content))),
		})
	}
	truncated := end < len(keys)
	output := &s3.ListObjectsV2Output{
		Contents:    contents,
		IsTruncated: aws.Bool(truncated),
	}
	if truncated {
		output.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return output, nil
}

var _ S3Client = (*MockS3Client)(nil)
