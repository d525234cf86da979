package upload

import "context"

// Uploader uploads a run's report directory to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and writable.
	// Writes a small test object to the bucket to fail fast on misconfiguration.
	Preflight(ctx context.Context) error

	// UploadRun uploads all files in localDir to remote storage under
	// the configured prefix, keyed by run ID.
	UploadRun(ctx context.Context, runID, localDir string) error
}
