package storage

import (
	"bytes"
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Lock metadata header names. S3 lowercases user metadata keys, so the
// manager reads them back lowercased.
const (
	lockMetaExpiresAt = "expires-at"
	lockMetaValue     = "lock-value"
)

// ObjectLockManager implements advisory leases as small objects under the
// locks/ prefix, carrying expiry and value in user metadata so a HEAD
// answers both questions without a body read. Acquire issues a HEAD;
// absent or expired means PUT. The race window between HEAD and PUT is
// accepted: the lease is advisory, the TTL bounds the damage, and the
// value check on release keeps a stolen lock from being released by its
// previous holder.
type ObjectLockManager struct {
	client S3Client
	bucket string
	log    *logrus.Entry
}

// NewObjectLockManager creates a lock manager over one bucket.
func NewObjectLockManager(client S3Client, bucket string, log *logrus.Entry) *ObjectLockManager {
	return &ObjectLockManager{client: client, bucket: bucket, log: log.WithField("component", "object-locks")}
}

func (l *ObjectLockManager) key(lockKey string) string {
	return LockPath(lockKey, false)
}

// Acquire takes the lease under a fresh random value.
func (l *ObjectLockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.AcquireWithValue(ctx, key, uuid.NewString(), ttl)
}

// AcquireWithValue takes the lease under a caller-chosen value, refreshing
// idempotently when the stored value already matches.
func (l *ObjectLockManager) AcquireWithValue(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	head, err := l.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(l.key(key)),
	})
	if err == nil {
		expires, held := parseLockExpiry(head.Metadata)
		if held && time.Now().UnixMilli() < expires && head.Metadata[lockMetaValue] != value {
			return false, nil
		}
	} else if !isS3NotFound(err) {
		l.log.WithField("key", key).WithError(err).Warn("failed to inspect lock object")
		return false, nil
	}

	expiresAt := time.Now().Add(ttl).UnixMilli()
	_, err = l.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(l.key(key)),
		Body:   bytes.NewReader(nil),
		Metadata: map[string]string{
			lockMetaExpiresAt: strconv.FormatInt(expiresAt, 10),
			lockMetaValue:     value,
		},
	})
	if err != nil {
		l.log.WithField("key", key).WithError(err).Warn("failed to write lock object")
		return false, nil
	}
	return true, nil
}

// Release deletes the lease when the stored value matches. An empty value
// skips the check and deletes any lease.
func (l *ObjectLockManager) Release(ctx context.Context, key, value string) error {
	head, err := l.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(l.key(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil
		}
		return newError(KindIO, "releaseLock", key, err)
	}
	if value != "" && head.Metadata[lockMetaValue] != value {
		return newError(KindConflict, "releaseLock", key, nil)
	}
	_, err = l.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(l.key(key)),
	})
	if err != nil && !isS3NotFound(err) {
		return newError(KindIO, "releaseLock", key, err)
	}
	return nil
}

// CleanupExpired sweeps the locks prefix and deletes expired leases.
// Failures are logged; the sweep never surfaces errors to its caller.
func (l *ObjectLockManager) CleanupExpired(ctx context.Context) (int, error) {
	removed := 0
	var token *string
	now := time.Now().UnixMilli()
	for {
		output, err := l.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(l.bucket),
			Prefix:            aws.String(LocksPrefix + "/"),
			ContinuationToken: token,
		})
		if err != nil {
			l.log.WithError(err).Warn("failed to list lock objects")
			return removed, nil
		}
		for _, object := range output.Contents {
			if object.Key == nil {
				continue
			}
			head, err := l.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(l.bucket),
				Key:    object.Key,
			})
			if err != nil {
				continue
			}
			expires, held := parseLockExpiry(head.Metadata)
			if !held || now < expires {
				continue
			}
			if _, err := l.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(l.bucket),
				Key:    object.Key,
			}); err != nil {
				l.log.WithField("key", *object.Key).WithError(err).Warn("failed to delete expired lock")
				continue
			}
			removed++
		}
		if output.IsTruncated == nil || !*output.IsTruncated {
			return removed, nil
		}
		token = output.NextContinuationToken
	}
}

// parseLockExpiry reads the expiry header; a missing or malformed header
// means the object is not a live lease.
func parseLockExpiry(metadata map[string]string) (int64, bool) {
	raw, ok := metadata[lockMetaExpiresAt]
	if !ok {
		return 0, false
	}
	expires, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return expires, true
}

var _ LockManager = (*ObjectLockManager)(nil)
