package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/taleweave/taleweave-core/internal/config"
)

// S3API abstracts the S3 operations used by [S3Storage]. The [s3.Client]
// type satisfies this interface, as does any fake used in tests. The
// multipart methods are required by the streaming uploader.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Storage holds chunk audio and finished narrations in Amazon S3 or
// any S3-compatible object store (MinIO, R2, etc.).
//
// All keys live under an optional prefix. Finished objects are served
// from a public base URL rather than presigned links.
type S3Storage struct {
	client   S3API
	uploader *manager.Uploader
	bucket   string
	prefix   string
	baseURL  string
}

// New builds an S3Storage from configuration. Credentials come from the
// conventional AWS environment variables; a custom endpoint switches the
// client to path-style addressing for S3-compatible stores.
func New(cfg config.StorageConfig) *S3Storage {
	opts := s3.Options{
		Region:      cfg.Region,
		Credentials: envCredentials(),
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	return NewWithClient(s3.New(opts), cfg)
}

// NewWithClient builds an S3Storage around a pre-configured client.
func NewWithClient(client S3API, cfg config.StorageConfig) *S3Storage {
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if cfg.PartSizeBytes > 0 {
			u.PartSize = cfg.PartSizeBytes
		}
	})
	return &S3Storage{
		client:   client,
		uploader: uploader,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		baseURL:  strings.TrimRight(cfg.PublicBaseURL, "/"),
	}
}

func envCredentials() aws.CredentialsProvider {
	if os.Getenv("AWS_ACCESS_KEY_ID") == "" {
		return aws.AnonymousCredentials{}
	}
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			Source:          "environment",
		}, nil
	})
}

// key builds the full object key for the given storage path.
func (s *S3Storage) key(path string) string {
	if s.prefix == "" {
		return path
	}
	return s.prefix + "/" + path
}

// URL returns the public address of a stored object.
func (s *S3Storage) URL(path string) string {
	return s.baseURL + "/" + s.key(path)
}

// Put stores a fully buffered object, such as one chunk's audio.
func (s *S3Storage) Put(ctx context.Context, path, contentType string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(path)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("storage: put %s: %w", path, err)
	}
	return nil
}

// Get opens the named object for reading. Returns an error wrapping
// os.ErrNotExist when the key is absent.
func (s *S3Storage) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("storage: get %s: %w", path, os.ErrNotExist)
		}
		return nil, fmt.Errorf("storage: get %s: %w", path, err)
	}
	return out.Body, nil
}

// Download streams the named object into w and returns the bytes copied.
func (s *S3Storage) Download(ctx context.Context, path string, w io.Writer) (int64, error) {
	rc, err := s.Get(ctx, path)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	n, err := io.Copy(w, rc)
	if err != nil {
		return n, fmt.Errorf("storage: download %s: %w", path, err)
	}
	return n, nil
}

// Delete removes the named object. S3 deletes are idempotent, so a
// missing key is not an error.
func (s *S3Storage) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		return fmt.Errorf("storage: delete %s: %w", path, err)
	}
	return nil
}

// Upload streams data of unknown length into the object store through
// a background multipart upload. The caller must finish with either
// Close or Abort.
type Upload struct {
	pw   *io.PipeWriter
	done chan struct{}
	err  error
}

// NewUpload starts a streaming upload for the named object.
//
// Bytes written to the returned Upload are consumed by the multipart
// uploader from an [io.Pipe]; parts are shipped as soon as enough data
// accumulates, so the whole object never needs to fit in memory.
func (s *S3Storage) NewUpload(ctx context.Context, path, contentType string) *Upload {
	pr, pw := io.Pipe()
	u := &Upload{pw: pw, done: make(chan struct{})}
	go func() {
		defer close(u.done)
		_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(s.key(path)),
			Body:        pr,
			ContentType: aws.String(contentType),
		})
		if err != nil {
			u.err = fmt.Errorf("storage: upload %s: %w", path, err)
		}
		// A failed upload must unblock any writer still feeding the pipe.
		pr.CloseWithError(err)
	}()
	return u
}

func (u *Upload) Write(p []byte) (int, error) {
	return u.pw.Write(p)
}

// Close signals EOF to the uploader, waits for the remaining parts to
// ship, and returns the upload error if any.
func (u *Upload) Close() error {
	u.pw.Close()
	<-u.done
	return u.err
}

// Abort cancels the upload with the given cause. Already shipped parts
// are abandoned by the uploader; no object appears under the key.
func (u *Upload) Abort(cause error) {
	if cause == nil {
		cause = errors.New("upload aborted")
	}
	u.pw.CloseWithError(cause)
	<-u.done
}

// isNotFound reports whether err indicates a missing S3 object.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
