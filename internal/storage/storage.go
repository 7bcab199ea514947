// Package storage declares the result-persistence boundary. Uploading
// finished images to durable object storage is an external collaborator;
// the core only needs the interface and a safe fallback.
package storage

import "context"

// Uploader copies a provider-hosted result to durable storage and returns
// the public URL. Implementations are best-effort: on error the caller keeps
// the provider-native URL instead of failing the task.
type Uploader interface {
	Upload(ctx context.Context, sourceURL string) (string, error)
}

// Passthrough is the default Uploader: it leaves results at their native URL.
type Passthrough struct{}

// Upload returns sourceURL unchanged.
func (Passthrough) Upload(_ context.Context, sourceURL string) (string, error) {
	return sourceURL, nil
}
