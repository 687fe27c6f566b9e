package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"

	domain "github.com/protea-commerce/api/internal/domain"
)

const invoiceSnapshotContentType = "application/json"

// ObjectWriter persists a document to an object storage bucket.
type ObjectWriter interface {
	WriteObject(ctx context.Context, bucket, object, contentType string, data []byte) error
}

// ObjectCopier duplicates an object between storage locations.
type ObjectCopier interface {
	CopyObject(ctx context.Context, sourceBucket, sourceObject, destBucket, destObject string) error
}

// GCSObjectWriter writes objects through a Cloud Storage client.
type GCSObjectWriter struct {
	client *gcs.Client
}

// NewGCSObjectWriter wraps a Cloud Storage client as an ObjectWriter.
func NewGCSObjectWriter(client *gcs.Client) (*GCSObjectWriter, error) {
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	return &GCSObjectWriter{client: client}, nil
}

// WriteObject uploads the payload, replacing any existing object.
func (w *GCSObjectWriter) WriteObject(ctx context.Context, bucket, object, contentType string, data []byte) error {
	if w == nil || w.client == nil {
		return errors.New("storage: writer is not initialised")
	}
	writer := w.client.Bucket(bucket).Object(object).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("storage: write object %s/%s: %w", bucket, object, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("storage: finalise object %s/%s: %w", bucket, object, err)
	}
	return nil
}

// InvoiceArchiver stores JSON snapshots of issued invoices in a bucket
// and hands back a download reference for the stored document.
type InvoiceArchiver struct {
	writer       ObjectWriter
	bucket       string
	urls         *Client
	mirror       ObjectCopier
	mirrorBucket string
	now          func() time.Time
}

// ArchiverOption customises InvoiceArchiver behaviour.
type ArchiverOption func(*InvoiceArchiver)

// WithSignedReferences returns signed download URLs instead of gs:// paths.
func WithSignedReferences(urls *Client) ArchiverOption {
	return func(a *InvoiceArchiver) {
		a.urls = urls
	}
}

// WithExportMirror copies each archived snapshot into a second bucket,
// typically a longer-retention accounting bucket.
func WithExportMirror(copier ObjectCopier, bucket string) ArchiverOption {
	return func(a *InvoiceArchiver) {
		if copier != nil && strings.TrimSpace(bucket) != "" {
			a.mirror = copier
			a.mirrorBucket = strings.TrimSpace(bucket)
		}
	}
}

// WithArchiverClock injects a custom clock (useful for tests).
func WithArchiverClock(clock func() time.Time) ArchiverOption {
	return func(a *InvoiceArchiver) {
		if clock != nil {
			a.now = clock
		}
	}
}

// NewInvoiceArchiver constructs an archiver writing into the given bucket.
func NewInvoiceArchiver(writer ObjectWriter, bucket string, opts ...ArchiverOption) (*InvoiceArchiver, error) {
	if writer == nil {
		return nil, errors.New("storage: object writer is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	archiver := &InvoiceArchiver{
		writer: writer,
		bucket: bucket,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(archiver)
		}
	}
	return archiver, nil
}

type invoiceSnapshot struct {
	ArchivedAt time.Time      `json:"archivedAt"`
	Invoice    domain.Invoice `json:"invoice"`
}

// ArchiveInvoice writes the invoice snapshot and returns a reference to it.
func (a *InvoiceArchiver) ArchiveInvoice(ctx context.Context, invoice domain.Invoice) (string, error) {
	if a == nil || a.writer == nil {
		return "", errors.New("storage: archiver is not initialised")
	}
	if strings.TrimSpace(invoice.ID) == "" {
		return "", errors.New("storage: invoice id is required")
	}
	if strings.TrimSpace(invoice.Number) == "" {
		return "", errors.New("storage: invoice number is required")
	}

	object, err := BuildObjectPath(PurposeInvoice, PathParams{
		InvoiceID:     invoice.ID,
		InvoiceNumber: invoice.Number,
	})
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(invoiceSnapshot{ArchivedAt: a.now().UTC(), Invoice: invoice})
	if err != nil {
		return "", fmt.Errorf("storage: encode invoice snapshot: %w", err)
	}

	if err := a.writer.WriteObject(ctx, a.bucket, object, invoiceSnapshotContentType, payload); err != nil {
		return "", err
	}

	if a.mirror != nil {
		if err := a.mirror.CopyObject(ctx, a.bucket, object, a.mirrorBucket, object); err != nil {
			return "", fmt.Errorf("storage: mirror invoice snapshot: %w", err)
		}
	}

	if a.urls != nil {
		result, err := a.urls.SignedURL(ctx, a.bucket, object, SignedURLOptions{
			Download: &DownloadOptions{
				Disposition:    fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("%s.json", invoice.Number)),
				ResponseType:   invoiceSnapshotContentType,
				AllowAnonymous: true,
			},
		})
		if err != nil {
			return "", err
		}
		return result.URL, nil
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, object), nil
}
