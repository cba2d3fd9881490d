// Package evidence defines where workflow screenshots are kept.
package evidence

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/JakeFAU/autoapply/internal/jobs"
)

// ContentTypePNG is the content type of screenshot evidence.
const ContentTypePNG = "image/png"

// Store persists evidence blobs and returns a URI that can be recorded on a
// task transition.
type Store interface {
	Put(ctx context.Context, objectPath, contentType string, r io.Reader) (string, error)
}

// Path returns the object path for the evidence of one task state:
// <prefix>/<task_id>/<state>.png.
func Path(prefix, taskID string, state jobs.TaskState) string {
	prefix = strings.Trim(prefix, "/")
	name := fmt.Sprintf("%s.png", state)
	if prefix == "" {
		return path.Join(taskID, name)
	}
	return path.Join(prefix, taskID, name)
}

// Discard drops evidence and returns an empty URI.
type Discard struct{}

// Put drains r.
func (Discard) Put(_ context.Context, _, _ string, r io.Reader) (string, error) {
	_, err := io.Copy(io.Discard, r)
	return "", err
}
