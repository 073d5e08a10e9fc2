package attach

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"gigchat/internal/chat"
)

// Store uploads attachment bytes to a bucket and hands back stable URIs of
// the form "<scheme>://<bucket>/<key>" that Open resolves again.
type Store struct {
	bk     *blob.Bucket
	prefix string
	ttl    time.Duration
}

// Open opens the bucket behind a gocloud URL, e.g. "file:///var/gigchat",
// "mem://" or "s3://bucket?region=eu-west-1".
func Open(ctx context.Context, bucketURL string) (*Store, error) {
	bk, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return New(bk), nil
}

func New(bk *blob.Bucket) *Store {
	return &Store{bk: bk, prefix: "attachments", ttl: 15 * time.Minute}
}

func (s *Store) Close() error {
	return s.bk.Close()
}

// Path builds the object key for one attachment of a send.
func Path(c chat.Context, provisional chat.MessageID, index int, name string) string {
	return path.Join(string(c.Type), sanitize(c.ID), sanitize(string(provisional)), fmt.Sprintf("%d-%s", index, sanitize(name)))
}

// Put writes a local attachment under key and returns its durable reference.
func (s *Store) Put(ctx context.Context, key string, a chat.Attachment) (chat.Attachment, error) {
	if !a.IsLocal() {
		return a, nil
	}
	full := path.Join(s.prefix, key)
	opts := &blob.WriterOptions{ContentType: a.ContentType}
	if err := s.bk.WriteAll(ctx, full, a.Data, opts); err != nil {
		return chat.Attachment{}, fmt.Errorf("upload %s: %w", a.Name, err)
	}
	return chat.Attachment{
		Kind:        chat.AttachmentRemote,
		Name:        a.Name,
		ContentType: a.ContentType,
		Size:        a.Size,
		URI:         "blob://" + full,
	}, nil
}

// Read returns the bytes behind a URI produced by Put.
func (s *Store) Read(ctx context.Context, uri string) ([]byte, error) {
	key, ok := strings.CutPrefix(uri, "blob://")
	if !ok {
		return nil, fmt.Errorf("not a blob uri: %s", uri)
	}
	return s.bk.ReadAll(ctx, key)
}

// SignedURL gives browsers temporary direct access when the driver supports
// it.
func (s *Store) SignedURL(ctx context.Context, uri string) (string, error) {
	key, ok := strings.CutPrefix(uri, "blob://")
	if !ok {
		return "", fmt.Errorf("not a blob uri: %s", uri)
	}
	return s.bk.SignedURL(ctx, key, &blob.SignedURLOptions{Expiry: s.ttl})
}

// sanitize prevents path traversal and separators inside one segment.
func sanitize(seg string) string {
	seg = strings.ReplaceAll(seg, "/", "_")
	seg = strings.ReplaceAll(seg, "\\", "_")
	if seg == "" || seg == "." || seg == ".." {
		return "_"
	}
	return seg
}
