// Package s3 implements repo.Repo over AWS S3, adapting the teacher's
// S3Client capability interface to the repository's read/write/list
// contract and adding the streaming read-ahead the gurre/s3streamer
// package provides for large WAL and backup file transfers.
package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gurre/s3streamer"

	"github.com/pgbackrest-go/pgbackrest/pgerr"
	"github.com/pgbackrest-go/pgbackrest/repo"
)

// Client is the subset of the AWS S3 SDK this backend depends on,
// narrowed the same way the teacher's aws.S3Client narrows the SDK for
// testability. It also satisfies s3streamer's client requirement, which
// additionally needs the multipart-upload methods.
type Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Repo stores objects under prefix in an S3 bucket.
type Repo struct {
	client    Client
	streamer  s3streamer.Streamer
	bucket    string
	prefix    string
	versioned bool
}

// Config configures a Repo.
type Config struct {
	Bucket string
	Prefix string
	// Versioned records whether the bucket has S3 object versioning
	// enabled. This is recorded once at stanza-create time and treated as
	// immutable afterward.
	Versioned bool
}

// New returns an S3-backed repo.Repo.
func New(client Client, cfg Config) *Repo {
	return &Repo{
		client:    client,
		streamer:  s3streamer.NewS3Streamer(client),
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		versioned: cfg.Versioned,
	}
}

func (r *Repo) key(path string) string {
	if r.prefix == "" {
		return path
	}
	return r.prefix + "/" + path
}

// Capability reports LevelVersioned when the backing bucket has
// versioning enabled, LevelMultipart otherwise — S3 always supports
// multipart upload regardless of versioning.
func (r *Repo) Capability() repo.Level {
	if r.versioned {
		return repo.LevelVersioned
	}
	return repo.LevelMultipart
}

func (r *Repo) Info(ctx context.Context, path string) (repo.Info, error) {
	key := r.key(path)
	out, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &r.bucket, Key: &key})
	if err != nil {
		if isNotFound(err) {
			return repo.Info{}, repo.ErrNotFound(path, err)
		}
		return repo.Info{}, pgerr.Wrap(pgerr.FileReadError, err, "head %s", path)
	}
	info := repo.Info{Name: path}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		info.ModTime = *out.LastModified
	}
	return info, nil
}

func (r *Repo) List(ctx context.Context, path string) ([]repo.Info, error) {
	prefix := r.key(path)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	delim := "/"

	var out []repo.Info
	var token *string
	for {
		resp, err := r.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &r.bucket,
			Prefix:            &prefix,
			Delimiter:         &delim,
			ContinuationToken: token,
		})
		if err != nil {
			return nil, pgerr.Wrap(pgerr.FileReadError, err, "list %s", path)
		}
		for _, p := range resp.CommonPrefixes {
			if p.Prefix != nil {
				out = append(out, repo.Info{Name: strings.TrimPrefix(*p.Prefix, r.prefix+"/"), IsDir: true})
			}
		}
		for _, obj := range resp.Contents {
			if obj.Key == nil {
				continue
			}
			info := repo.Info{Name: strings.TrimPrefix(*obj.Key, r.prefix+"/")}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.LastModified != nil {
				info.ModTime = *obj.LastModified
			}
			out = append(out, info)
		}
		if resp.IsTruncated == nil || !*resp.IsTruncated {
			break
		}
		token = resp.NextContinuationToken
	}
	return out, nil
}

// NewRead opens path for streaming read. Bytes are delivered through
// s3streamer.Streamer.Stream, which the coordinator uses for its own
// large-file reads, chunked and resumable from a byte offset rather than
// fetched as a single GetObject body.
func (r *Repo) NewRead(ctx context.Context, path string) (io.ReadCloser, error) {
	if _, err := r.Info(ctx, path); err != nil {
		return nil, err
	}

	key := r.key(path)
	pr, pw := io.Pipe()
	go func() {
		err := r.streamer.Stream(ctx, r.bucket, key, 0, func(chunk []byte, byteOffset int64) error {
			_, werr := pw.Write(chunk)
			return werr
		})
		if err != nil {
			_ = pw.CloseWithError(pgerr.Wrap(pgerr.FileReadError, err, "stream %s", path))
			return
		}
		_ = pw.Close()
	}()
	return pr, nil
}

// bufferedWriter buffers a whole object in memory and uploads it with a
// single PutObject on Close. Backup and WAL files are bounded by
// segment/bundle size, so buffering one object at a time is bounded
// memory rather than unbounded.
type bufferedWriter struct {
	ctx    context.Context
	client Client
	bucket string
	key    string
	buf    bytes.Buffer
}

func (w *bufferedWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *bufferedWriter) Close() error {
	_, err := w.client.PutObject(w.ctx, &s3.PutObjectInput{
		Bucket: &w.bucket,
		Key:    &w.key,
		Body:   bytes.NewReader(w.buf.Bytes()),
	})
	if err != nil {
		return pgerr.Wrap(pgerr.FileWriteError, err, "put %s", w.key)
	}
	return nil
}

func (r *Repo) NewWrite(ctx context.Context, path string) (io.WriteCloser, error) {
	return &bufferedWriter{ctx: ctx, client: r.client, bucket: r.bucket, key: r.key(path)}, nil
}

func (r *Repo) Remove(ctx context.Context, path string) error {
	key := r.key(path)
	if _, err := r.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &r.bucket, Key: &key}); err != nil {
		return pgerr.Wrap(pgerr.FileRemoveError, err, "delete %s", path)
	}
	return nil
}

func (r *Repo) Exists(ctx context.Context, path string) (bool, error) {
	_, err := r.Info(ctx, path)
	if err == nil {
		return true, nil
	}
	if pgerr.Is(err, pgerr.FileMissingError) {
		return false, nil
	}
	return false, err
}

func isNotFound(err error) bool {
	var nf *types.NoSuchKey
	if errors.As(err, &nf) {
		return true
	}
	var nfb *types.NotFound
	return errors.As(err, &nfb)
}
