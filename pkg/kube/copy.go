package kube

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// CopyDir streams remoteDir out of the pod as a tar archive and
// extracts its regular files into localDir. This is the same mechanism
// kubectl cp uses: tar on the pod side, extraction on ours, so it works
// against any image that ships tar. Returns the number of files written.
func (c *Client) CopyDir(ctx context.Context, namespace, pod, remoteDir, localDir string) (int, error) {
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return 0, fmt.Errorf("creating local directory %s: %w", localDir, err)
	}

	cmd := []string{"tar", "cf", "-", "-C", remoteDir, "."}

	pr, pw := io.Pipe()

	errCh := make(chan error, 1)

	go func() {
		stderr, err := c.execStream(ctx, namespace, pod, cmd, pw)
		if err != nil {
			err = fmt.Errorf("streaming %s from pod %s: %w (stderr: %s)",
				remoteDir, pod, err, strings.TrimSpace(stderr))
		}

		pw.CloseWithError(err)
		errCh <- err
	}()

	written, extractErr := extractTar(pr, localDir)

	// Drain the pipe so the exec goroutine can finish even when
	// extraction bailed early.
	_, _ = io.Copy(io.Discard, pr)

	streamErr := <-errCh

	if extractErr != nil {
		return written, extractErr
	}

	if streamErr != nil {
		return written, streamErr
	}

	c.log.WithFields(logrus.Fields{
		"pod":   pod,
		"dir":   remoteDir,
		"files": written,
	}).Debug("copied directory from pod")

	return written, nil
}

// extractTar writes the archive's regular files into localDir. Entries
// that would escape localDir are rejected.
func extractTar(r io.Reader, localDir string) (int, error) {
	tr := tar.NewReader(r)
	written := 0

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return written, nil
		}

		if err != nil {
			return written, fmt.Errorf("reading tar stream: %w", err)
		}

		name := filepath.Clean(strings.TrimPrefix(hdr.Name, "./"))
		if name == "." || name == "" {
			continue
		}

		dest := filepath.Join(localDir, name)
		if !strings.HasPrefix(dest, filepath.Clean(localDir)+string(os.PathSeparator)) {
			return written, fmt.Errorf("tar entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return written, fmt.Errorf("creating %s: %w", dest, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return written, fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
			}

			f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
			if err != nil {
				return written, fmt.Errorf("creating %s: %w", dest, err)
			}

			if _, err := io.Copy(f, tr); err != nil {
				f.Close()

				return written, fmt.Errorf("writing %s: %w", dest, err)
			}

			if err := f.Close(); err != nil {
				return written, fmt.Errorf("closing %s: %w", dest, err)
			}

			written++
		default:
			// Symlinks and devices have no business in a coverage
			// directory, skip them.
		}
	}
}
