package s3

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/pgbackrest-go/pgbackrest/repo"
)

// mockClient is an in-memory stand-in for the AWS SDK, modeled on the
// teacher's integration/mock.S3Client: a flat bucket/key->bytes map
// backing Get/Put/Head/List/Delete.
type mockClient struct {
	objects map[string][]byte
}

func newMockClient() *mockClient { return &mockClient{objects: map[string][]byte{}} }

func (m *mockClient) GetObject(ctx context.Context, p *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := m.objects[*p.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data)), ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (m *mockClient) PutObject(ctx context.Context, p *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(p.Body)
	if err != nil {
		return nil, err
	}
	m.objects[*p.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockClient) HeadObject(ctx context.Context, p *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	data, ok := m.objects[*p.Key]
	if !ok {
		return nil, &types.NotFound{}
	}
	now := time.Unix(0, 0)
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data))), LastModified: &now}, nil
}

func (m *mockClient) ListObjectsV2(ctx context.Context, p *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var out s3.ListObjectsV2Output
	for k, v := range m.objects {
		if p.Prefix != nil && len(*p.Prefix) > 0 && len(k) >= len(*p.Prefix) && k[:len(*p.Prefix)] == *p.Prefix {
			key := k
			size := int64(len(v))
			out.Contents = append(out.Contents, types.Object{Key: &key, Size: &size})
		}
	}
	return &out, nil
}

func (m *mockClient) DeleteObject(ctx context.Context, p *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(m.objects, *p.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockClient) CreateMultipartUpload(ctx context.Context, p *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	id := "upload-1"
	return &s3.CreateMultipartUploadOutput{UploadId: &id}, nil
}

func (m *mockClient) UploadPart(ctx context.Context, p *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return &s3.UploadPartOutput{}, nil
}

func (m *mockClient) CompleteMultipartUpload(ctx context.Context, p *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (m *mockClient) AbortMultipartUpload(ctx context.Context, p *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func TestWriteThenInfo(t *testing.T) {
	client := newMockClient()
	r := New(client, Config{Bucket: "archive", Prefix: "repo1"})
	ctx := context.Background()

	w, err := r.NewWrite(ctx, "archive.info")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("stanza data")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	info, err := r.Info(ctx, "archive.info")
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != int64(len("stanza data")) {
		t.Fatalf("unexpected size: %d", info.Size)
	}
}

func TestInfoMissingReturnsNotFound(t *testing.T) {
	r := New(newMockClient(), Config{Bucket: "archive"})
	if _, err := r.Info(context.Background(), "missing"); err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestCapabilityReflectsVersionedFlag(t *testing.T) {
	r := New(newMockClient(), Config{Bucket: "b", Versioned: true})
	if r.Capability() != repo.LevelVersioned {
		t.Fatalf("expected LevelVersioned when Versioned is set, got %v", r.Capability())
	}
}

func TestRemoveThenExists(t *testing.T) {
	client := newMockClient()
	r := New(client, Config{Bucket: "b"})
	ctx := context.Background()

	w, _ := r.NewWrite(ctx, "f")
	_ = w.Close()

	if err := r.Remove(ctx, "f"); err != nil {
		t.Fatal(err)
	}
	ok, err := r.Exists(ctx, "f")
	if err != nil || ok {
		t.Fatalf("expected false after remove, got %v %v", ok, err)
	}
}
