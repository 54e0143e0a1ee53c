package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCS stores blobs as objects named by CID in a Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS connects to Cloud Storage. An empty credentialsFile uses
// application default credentials.
func NewGCS(ctx context.Context, bucket, prefix, credentialsFile string) (*GCS, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket, prefix: prefix}, nil
}

func (g *GCS) object(contentID string) *storage.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(path.Join(g.prefix, contentID))
}

func (g *GCS) Put(ctx context.Context, data []byte) (string, error) {
	c, err := ComputeCID(data)
	if err != nil {
		return "", err
	}
	id := CIDToFilename(c)
	obj := g.object(id)
	if _, err := obj.Attrs(ctx); err == nil {
		return id, nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return "", fmt.Errorf("stat gs://%s/%s: %w", g.bucket, obj.ObjectName(), err)
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("write gs://%s/%s: %w", g.bucket, obj.ObjectName(), err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close GCS writer for %s: %w", obj.ObjectName(), err)
	}
	return id, nil
}

func (g *GCS) Get(ctx context.Context, contentID string) ([]byte, error) {
	c, err := ParseContentID(contentID)
	if err != nil {
		return nil, err
	}
	r, err := g.object(CIDToFilename(c)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, contentID)
	}
	if err != nil {
		return nil, fmt.Errorf("open gs object %s: %w", contentID, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read gs object %s: %w", contentID, err)
	}
	if err := Verify(c, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}
