// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/leonie/brokerflow/internal/failure"
)

// folderMarker is the empty object that makes a prefix a folder.
const folderMarker = ".folder"

// MinioConfig holds the S3 endpoint settings.
type MinioConfig struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
	LinkExpiry time.Duration
}

// Minio is a Backend on MinIO or any S3-compatible store. Refs are
// "bucket/key"; a folder ref is a prefix holding a marker object.
type Minio struct {
	client *minio.Client
	expiry time.Duration
}

// NewMinio creates a MinIO backend.
func NewMinio(cfg MinioConfig) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	expiry := cfg.LinkExpiry
	if expiry <= 0 || expiry > 7*24*time.Hour {
		expiry = 7 * 24 * time.Hour
	}
	return &Minio{client: client, expiry: expiry}, nil
}

// EnsureBucket creates the bucket if it doesn't exist. Used when
// registering a broker whose root is a bare bucket.
func (m *Minio) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := m.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

// CheckFolder implements Backend. A bare bucket is a valid root; a prefix
// must carry its marker object.
func (m *Minio) CheckFolder(ctx context.Context, ref string) error {
	bucket, prefix := splitRef(ref)
	if bucket == "" {
		return failure.Newf(failure.InvalidRootFolder, "minio.check_folder", "malformed ref %q", ref)
	}
	exists, err := m.client.BucketExists(ctx, bucket)
	if err != nil {
		return failure.New(failure.TransientExternal, "minio.check_folder", err)
	}
	if !exists {
		return failure.Newf(failure.InvalidRootFolder, "minio.check_folder", "bucket %s does not exist", bucket)
	}
	if prefix == "" {
		return nil
	}
	ok, err := m.objectExists(ctx, bucket, path.Join(prefix, folderMarker))
	if err != nil {
		return failure.New(failure.TransientExternal, "minio.check_folder", err)
	}
	if !ok {
		return failure.Newf(failure.InvalidRootFolder, "minio.check_folder", "%s is not a folder", ref)
	}
	return nil
}

// EnsureFolder implements Backend.
func (m *Minio) EnsureFolder(ctx context.Context, parentRef, name string) (string, error) {
	bucket, prefix := splitRef(parentRef)
	key := path.Join(prefix, name)
	ok, err := m.objectExists(ctx, bucket, path.Join(key, folderMarker))
	if err != nil {
		return "", err
	}
	if !ok {
		_, err := m.client.PutObject(ctx, bucket, path.Join(key, folderMarker), bytes.NewReader(nil), 0,
			minio.PutObjectOptions{ContentType: "application/x-directory"})
		if err != nil {
			return "", fmt.Errorf("failed to create folder %q: %w", key, err)
		}
	}
	return bucket + "/" + key, nil
}

// Put implements Backend. Name clashes get a " (n)" suffix so nothing is
// overwritten.
func (m *Minio) Put(ctx context.Context, folderRef, name, mimeType string, data []byte) (string, error) {
	bucket, prefix := splitRef(folderRef)

	var statErr error
	name = uniqueName(name, func(candidate string) bool {
		ok, err := m.objectExists(ctx, bucket, path.Join(prefix, candidate))
		if err != nil {
			statErr = err
			return false
		}
		return ok
	})
	if statErr != nil {
		return "", statErr
	}

	key := path.Join(prefix, name)
	_, err := m.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: mimeType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload file: %w", err)
	}
	return bucket + "/" + key, nil
}

// Link implements Backend with a presigned GET URL.
func (m *Minio) Link(ctx context.Context, ref string) (string, error) {
	bucket, key := splitRef(ref)
	u, err := m.client.PresignedGetObject(ctx, bucket, key, m.expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return u.String(), nil
}

func (m *Minio) objectExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := m.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return false, nil
	}
	return false, fmt.Errorf("stat %s/%s: %w", bucket, key, err)
}

// splitRef splits "bucket/some/prefix" into bucket and prefix.
func splitRef(ref string) (bucket, prefix string) {
	ref = strings.Trim(ref, "/")
	bucket, prefix, _ = strings.Cut(ref, "/")
	return bucket, strings.Trim(prefix, "/")
}
