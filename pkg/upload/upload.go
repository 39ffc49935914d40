package upload

import "context"

// Uploader uploads a completed build directory to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and writable.
	// Writes a small test object to the bucket to fail fast on misconfiguration.
	Preflight(ctx context.Context) error

	// Upload uploads all files in buildDir. The directory basename (the
	// build id) is used as a sub-prefix under the configured remote prefix.
	Upload(ctx context.Context, buildDir string) error
}
