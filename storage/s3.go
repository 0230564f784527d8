package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/vitaly-z/brainy/common"
)

// Object-store service families.
const (
	ServiceTypeS3  = "s3"
	ServiceTypeR2  = "r2"
	ServiceTypeGCS = "gcs"
)

// s3MaxAttempts bounds the retry loop around every primitive.
const s3MaxAttempts = 5

// multipartThreshold is the body size above which writes go through the
// multipart uploader instead of a single PutObject.
const multipartThreshold = 8 << 20

// statisticsFlushLockKey gates the daily statistics merge across
// instances.
const statisticsFlushLockKey = "statistics-flush"

// statisticsFlushLockTTL is the flush lock lease.
const statisticsFlushLockTTL = 15 * time.Second

// ObjectStorageOptions configures the S3-family adapter.
type ObjectStorageOptions struct {
	ServiceType     string // s3, r2 or gcs
	BucketName      string
	Region          string
	Endpoint        string // required for gcs and custom endpoints
	AccountID       string // r2 account, derives the endpoint
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	Compression      *bool // nil means the default (on)
	CompressionLevel int
	ReadOnly         bool
	LegacyDualWrite  bool // also write statistics to the legacy key

	OperationTimeout time.Duration // per-primitive bound, default 30s
	Sockets          *SocketManager
	Client           S3Client // injected for tests; built from options when nil
}

// ObjectStorage is the S3-family adapter covering AWS S3, Cloudflare R2
// (derived endpoint) and Google Cloud Storage (supplied endpoint). Every
// network call passes through the socket manager's admission gate and a
// bounded exponential backoff; writes are atomic per key by the service's
// contract and verified with an optional HEAD that is skipped under
// backpressure. All mutations emit change-log entries after the PUT
// succeeds.
type ObjectStorage struct {
	*baseStore
	codec    *Codec
	opts     ObjectStorageOptions
	client   S3Client
	uploader *manager.Uploader // multipart path for oversized bodies
	locks    *ObjectLockManager
	inited   bool
}

// Object-store batch profile: smaller adaptive batches, no assumption of
// parallel-write atomicity beyond S3's single-key atomicity.
var objectStorageBatchProfile = BatchProfile{
	MaxBatchSize:    DefaultMaxBatchSize,
	InterBatchDelay: 250 * time.Millisecond,
	MaxConcurrent:   DefaultMaxConcurrent,
	ParallelWrites:  false,
}

// NewObjectStorage constructs the adapter. The S3 client is built during
// Init unless injected through the options.
func NewObjectStorage(opts ObjectStorageOptions) *ObjectStorage {
	compression := true
	if opts.Compression != nil {
		compression = *opts.Compression
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 30 * time.Second
	}
	if opts.Sockets == nil {
		opts.Sockets = NewSocketManager(DefaultSocketManagerConfig())
	}
	o := &ObjectStorage{
		codec:  NewCodec(compression, opts.CompressionLevel),
		opts:   opts,
		client: opts.Client,
	}
	o.baseStore = newBaseStore("object-store", o, opts.Sockets, common.AdapterLogger("object-store", opts.BucketName))
	o.baseStore.readOnly = opts.ReadOnly
	return o
}

// Init builds the service client, verifies bucket access and loads the
// counter snapshot.
func (o *ObjectStorage) Init(ctx context.Context) error {
	if o.client == nil {
		client, err := buildS3Client(ctx, o.opts, o.sockets)
		if err != nil {
			return err
		}
		o.client = client
	}
	if _, err := o.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(o.opts.BucketName)}); err != nil {
		return newError(KindEnvironmentUnsupported, "init", o.opts.BucketName,
			fmt.Errorf("failed to access bucket %s: %w", o.opts.BucketName, err))
	}
	if sdkClient, ok := o.client.(*s3.Client); ok {
		o.uploader = manager.NewUploader(sdkClient)
	}
	o.locks = NewObjectLockManager(o.client, o.opts.BucketName, o.log)
	if err := o.bootstrapCounts(ctx); err != nil {
		return err
	}
	o.inited = true
	o.log.WithField("service", o.opts.ServiceType).Info("object storage initialized")
	return nil
}

// Close flushes dirty statistics through the daily-merge path.
func (o *ObjectStorage) Close(ctx context.Context) error {
	if o.readOnly || !o.counts.Dirty() {
		return nil
	}
	if err := o.SaveStatisticsData(ctx, nil); err != nil {
		o.log.WithError(err).Warn("failed to flush statistics on close")
		return err
	}
	return nil
}

// buildS3Client constructs the SDK client for the configured service. R2
// derives its endpoint from the account id; GCS and custom deployments
// supply one. Non-AWS endpoints use path-style addressing.
func buildS3Client(ctx context.Context, opts ObjectStorageOptions, sockets *SocketManager) (S3Client, error) {
	endpoint := opts.Endpoint
	if opts.ServiceType == ServiceTypeR2 {
		if opts.AccountID == "" {
			return nil, newError(KindEnvironmentUnsupported, "init", "",
				fmt.Errorf("r2 requires an account id"))
		}
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", opts.AccountID)
	}
	if opts.ServiceType == ServiceTypeGCS && endpoint == "" {
		return nil, newError(KindEnvironmentUnsupported, "init", "",
			fmt.Errorf("gcs requires an endpoint"))
	}
	region := opts.Region
	if region == "" {
		region = "auto"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken)),
		awsconfig.WithRetryer(func() aws.Retryer {
			return retry.AddWithMaxAttempts(retry.NewAdaptiveMode(), s3MaxAttempts)
		}),
	}
	if endpoint != "" {
		loadOpts = append(loadOpts, awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               endpoint,
					SigningRegion:     region,
					HostnameImmutable: true,
				}, nil
			})))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, newError(KindEnvironmentUnsupported, "init", "",
			fmt.Errorf("failed to load AWS configuration: %w", err))
	}

	httpClient := sockets.HTTPClient(60 * time.Second)
	client := s3.NewFromConfig(cfg, func(options *s3.Options) {
		options.HTTPClient = httpClient
		if endpoint != "" {
			options.UsePathStyle = true
		}
	})
	return client, nil
}

// withRetry wraps one primitive call in admission control plus bounded
// exponential backoff. The socket manager learns the final outcome of every
// call, after its retries, which is what drives batch-size adaptation.
func (o *ObjectStorage) withRetry(ctx context.Context, op, path string, fn func(ctx context.Context) error) error {
	requestID := op + ":" + uuid.NewString()[:8]
	if err := o.sockets.RequestPermission(ctx, requestID, 1); err != nil {
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s3MaxAttempts-1), ctx)
	err := backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, o.opts.OperationTimeout)
		defer cancel()
		err := fn(attemptCtx)
		if err == nil {
			return nil
		}
		var se *StorageError
		if errors.As(err, &se) && (se.Kind == KindNotFound || se.Kind == KindCorrupt || se.Kind == KindReadOnly) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	// Absence and parse failures are well-formed service answers, not
	// network failures; only the latter may shrink the batch size.
	o.sockets.ReleasePermission(requestID, err == nil || IsNotFound(err) || IsCorrupt(err))
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	if ctx.Err() != nil {
		return newError(KindTimeout, op, path, err)
	}
	return newError(KindIO, op, path, err)
}

func (o *ObjectStorage) bucket() *string {
	return aws.String(o.opts.BucketName)
}

// WriteObjectToPath puts the encoded body under the codec's physical key
// and deletes the alternate-format twin. The service's per-key atomicity
// stands in for temp-then-rename; an optional HEAD verifies the write
// unless the socket manager reports pressure.
func (o *ObjectStorage) WriteObjectToPath(ctx context.Context, path string, value interface{}) error {
	if o.readOnly {
		return newError(KindReadOnly, "writeObject", path, nil)
	}
	body, err := o.codec.Encode(path, value)
	if err != nil {
		return newError(KindIO, "writeObject", path, err)
	}
	key := o.codec.PhysicalPath(path)
	err = o.withRetry(ctx, "writeObject", path, func(ctx context.Context) error {
		input := &s3.PutObjectInput{
			Bucket: o.bucket(),
			Key:    aws.String(key),
			Body:   bytes.NewReader(body),
		}
		if o.uploader != nil && len(body) > multipartThreshold {
			_, err := o.uploader.Upload(ctx, input)
			return err
		}
		_, err := o.client.PutObject(ctx, input)
		return err
	})
	if err != nil {
		return newError(KindWrite, "writeObject", path, err)
	}

	if !o.sockets.UnderPressure() {
		if verr := o.withRetry(ctx, "verifyObject", path, func(ctx context.Context) error {
			_, err := o.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: o.bucket(), Key: aws.String(key)})
			return err
		}); verr != nil {
			o.log.WithField("path", path).WithError(verr).Warn("post-write verification failed")
		}
	}

	twin := o.codec.TwinPath(path)
	if derr := o.deleteKey(ctx, twin); derr != nil {
		o.log.WithField("path", twin).WithError(derr).Warn("failed to delete stale format twin")
	}
	return nil
}

// ReadObjectFromPath reads a logical path, compressed key first.
func (o *ObjectStorage) ReadObjectFromPath(ctx context.Context, path string, out interface{}) error {
	for _, attempt := range []struct {
		key        string
		compressed bool
	}{
		{path + CompressedSuffix, true},
		{path, false},
	} {
		var data []byte
		err := o.withRetry(ctx, "readObject", path, func(ctx context.Context) error {
			result, err := o.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: o.bucket(),
				Key:    aws.String(attempt.key),
			})
			if err != nil {
				if isS3NotFound(err) {
					return newError(KindNotFound, "readObject", path, nil)
				}
				return err
			}
			defer result.Body.Close()
			data, err = io.ReadAll(result.Body)
			return err
		})
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return err
		}
		return o.codec.Decode(data, attempt.compressed, path, out)
	}
	return newError(KindNotFound, "readObject", path, nil)
}

// DeleteObjectFromPath removes both format twins; S3 deletes are
// idempotent by contract.
func (o *ObjectStorage) DeleteObjectFromPath(ctx context.Context, path string) error {
	if o.readOnly {
		return newError(KindReadOnly, "deleteObject", path, nil)
	}
	for _, key := range []string{path, path + CompressedSuffix} {
		if err := o.deleteKey(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (o *ObjectStorage) deleteKey(ctx context.Context, key string) error {
	return o.withRetry(ctx, "deleteObject", key, func(ctx context.Context) error {
		_, err := o.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: o.bucket(),
			Key:    aws.String(key),
		})
		if err != nil && isS3NotFound(err) {
			return nil
		}
		return err
	})
}

// ListObjectsUnderPath pages through the prefix with continuation tokens,
// sized by the adaptive batch size, and returns sorted deduplicated
// logical paths.
func (o *ObjectStorage) ListObjectsUnderPath(ctx context.Context, prefix string) ([]string, error) {
	var physical []string
	var token *string
	for {
		var output *s3.ListObjectsV2Output
		err := o.withRetry(ctx, "listObjects", prefix, func(ctx context.Context) error {
			var err error
			output, err = o.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            o.bucket(),
				Prefix:            aws.String(prefix),
				ContinuationToken: token,
				MaxKeys:           aws.Int32(int32(o.sockets.BatchSize())),
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, object := range output.Contents {
			if object.Key != nil {
				physical = append(physical, *object.Key)
			}
		}
		if output.IsTruncated == nil || !*output.IsTruncated {
			break
		}
		token = output.NextContinuationToken
	}
	return normalizeListing(physical), nil
}

// GetNounsWithPagination pages nouns with native continuation tokens. The
// cursor is the service token, opaque to callers; a type filter narrows
// the listed prefix, otherwise the full noun namespace is paged and
// non-vector keys are filtered out.
func (o *ObjectStorage) GetNounsWithPagination(ctx context.Context, opts PaginationOptions) (*NounPage, error) {
	page := &NounPage{}
	keys, next, hasMore, err := o.listPage(ctx, KindNouns, opts)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			page.HasMore = true
			page.NextCursor = next
			return page, nil
		}
		var noun Noun
		if err := o.ReadObjectFromPath(ctx, key, &noun); err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		page.Items = append(page.Items, &noun)
	}
	page.HasMore = hasMore && len(page.Items) > 0
	page.NextCursor = next
	return page, nil
}

// GetVerbsWithPagination pages verbs with native continuation tokens.
func (o *ObjectStorage) GetVerbsWithPagination(ctx context.Context, opts PaginationOptions) (*VerbPage, error) {
	page := &VerbPage{}
	keys, next, hasMore, err := o.listPage(ctx, KindVerbs, opts)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			page.HasMore = true
			page.NextCursor = next
			return page, nil
		}
		var verb Verb
		if err := o.ReadObjectFromPath(ctx, key, &verb); err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		page.Items = append(page.Items, &verb)
	}
	page.HasMore = hasMore && len(page.Items) > 0
	page.NextCursor = next
	return page, nil
}

// listPage fetches one continuation-token page of vector keys.
func (o *ObjectStorage) listPage(ctx context.Context, kind EntityKind, opts PaginationOptions) (keys []string, next string, hasMore bool, err error) {
	prefix := KindPrefix(kind)
	if opts.EntityType != "" {
		prefix = TypePrefix(kind, opts.EntityType, SectionVectors)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = o.sockets.BatchSize()
	}
	var token *string
	if opts.Cursor != "" {
		token = aws.String(opts.Cursor)
	}
	for len(keys) < limit {
		var output *s3.ListObjectsV2Output
		err = o.withRetry(ctx, "listObjects", prefix, func(ctx context.Context) error {
			var err error
			output, err = o.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            o.bucket(),
				Prefix:            aws.String(prefix),
				ContinuationToken: token,
				MaxKeys:           aws.Int32(int32(limit)),
			})
			return err
		})
		if err != nil {
			return nil, "", false, err
		}
		for _, object := range output.Contents {
			if object.Key == nil {
				continue
			}
			logical := LogicalPath(*object.Key)
			if !strings.Contains(logical, "/"+SectionVectors+"/") {
				continue
			}
			if len(keys) > 0 && keys[len(keys)-1] == logical {
				continue // compressed/uncompressed twin
			}
			keys = append(keys, logical)
		}
		if output.IsTruncated == nil || !*output.IsTruncated {
			return keys, "", false, nil
		}
		token = output.NextContinuationToken
		if len(keys) >= limit {
			break
		}
	}
	if token != nil {
		next = *token
	}
	return keys, next, next != "", nil
}

// GetVerbsBySource is deprecated on the bare object-store adapter: a
// source scan over the whole bucket is pathological at object-store
// latencies. It returns empty and warns; callers go through the
// type-aware router, which narrows the scan to type prefixes.
func (o *ObjectStorage) GetVerbsBySource(ctx context.Context, sourceID string) ([]*Verb, error) {
	o.warnOnceFor("getVerbsBySource", "GetVerbsBySource on the object-store adapter is deprecated, use the type-aware router", nil)
	return nil, nil
}

// GetVerbsByTarget is deprecated on the bare object-store adapter; see
// GetVerbsBySource.
func (o *ObjectStorage) GetVerbsByTarget(ctx context.Context, targetID string) ([]*Verb, error) {
	o.warnOnceFor("getVerbsByTarget", "GetVerbsByTarget on the object-store adapter is deprecated, use the type-aware router", nil)
	return nil, nil
}

// SaveStatisticsData merges the snapshot into today's statistics object
// under the cross-instance flush lock. The merge reads the current daily
// object, takes the element-wise maximum of each count map and the newer
// timestamp, and writes the result back; losing the lock skips the flush
// while keeping the registry dirty. An optional dual-write refreshes the
// legacy key for older readers.
func (o *ObjectStorage) SaveStatisticsData(ctx context.Context, stats *Statistics) error {
	if o.readOnly {
		return newError(KindReadOnly, "saveStatistics", "", nil)
	}
	if stats == nil {
		stats = o.counts.Snapshot()
	}
	lockValue := o.instanceID
	acquired, err := o.locks.AcquireWithValue(ctx, statisticsFlushLockKey, lockValue, statisticsFlushLockTTL)
	if err != nil || !acquired {
		o.log.Debug("statistics flush lock contended, keeping dirty flag")
		return nil
	}
	defer func() {
		if err := o.locks.Release(ctx, statisticsFlushLockKey, lockValue); err != nil {
			o.log.WithError(err).Warn("failed to release statistics flush lock")
		}
	}()

	path := DailyStatisticsPath(time.Now())
	merged := NewStatistics()
	switch err := o.ReadObjectFromPath(ctx, path, merged); {
	case err == nil, IsNotFound(err), IsCorrupt(err):
		// merge onto whatever is readable
	default:
		return err
	}
	merged.MergeMax(stats)
	if merged.LastUpdated < stats.LastUpdated {
		merged.LastUpdated = stats.LastUpdated
	}
	if err := o.WriteObjectToPath(ctx, path, merged); err != nil {
		return err
	}
	o.counts.FlushDone(time.Now())

	if o.opts.LegacyDualWrite {
		if err := o.WriteObjectToPath(ctx, LegacyStatisticsPath, merged); err != nil {
			o.log.WithError(err).Warn("failed to dual-write legacy statistics key")
		}
	}
	return nil
}

// GetStatisticsData prefers today's persisted object merged with the
// in-memory registry, falling back to the legacy key and finally to the
// registry alone.
func (o *ObjectStorage) GetStatisticsData(ctx context.Context) (*Statistics, error) {
	local := o.counts.Snapshot()
	stored := NewStatistics()
	err := o.ReadObjectFromPath(ctx, DailyStatisticsPath(time.Now()), stored)
	if IsNotFound(err) {
		err = o.ReadObjectFromPath(ctx, LegacyStatisticsPath, stored)
	}
	switch {
	case err == nil:
		local.MergeMax(stored)
	case IsNotFound(err) || IsCorrupt(err):
		// registry only
	default:
		return nil, err
	}
	return local, nil
}

// Locks exposes the object lock manager operating under locks/.
func (o *ObjectStorage) Locks() LockManager {
	return o.locks
}

// BatchProfile reports the object-store bulk-operation envelope.
func (o *ObjectStorage) BatchProfile() BatchProfile {
	profile := objectStorageBatchProfile
	profile.MaxBatchSize = o.sockets.BatchSize()
	return profile
}

// isS3NotFound classifies the SDK's absence errors.
func isS3NotFound(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}

var _ Storage = (*ObjectStorage)(nil)
