package asset

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// PathSemanticsPOSIX is the path semantics of every Resource composed by this package.
const PathSemanticsPOSIX = "posix"

// Resource describes an external file holding acquired data.
type Resource struct {
	UID           string         `json:"uid"`
	Spec          string         `json:"spec"`
	Root          string         `json:"root"`
	ResourcePath  string         `json:"resource_path"`
	Kwargs        map[string]any `json:"resource_kwargs"`
	PathSemantics string         `json:"path_semantics"`
}

// Datum references one point inside a Resource.
type Datum struct {
	ResourceUID string         `json:"resource"`
	DatumID     string         `json:"datum_id"`
	Kwargs      map[string]any `json:"datum_kwargs"`

	// Index is the position of the datum within its Resource.
	Index int64 `json:"-"`
}

// ComposeResource creates a Resource with a fresh UID and the factory for its datums.
//
// resourcePath must be relative to root.
func ComposeResource(spec, root, resourcePath string, kwargs map[string]any) (*Resource, *DatumFactory, error) {
	if spec == "" {
		return nil, nil, errors.New("resource spec is empty")
	}

	if filepath.IsAbs(resourcePath) {
		return nil, nil, fmt.Errorf("resource path %q is not relative to root", resourcePath)
	}

	if kwargs == nil {
		kwargs = map[string]any{}
	}

	res := &Resource{
		UID:           uuid.NewString(),
		Spec:          spec,
		Root:          root,
		ResourcePath:  resourcePath,
		Kwargs:        kwargs,
		PathSemantics: PathSemanticsPOSIX,
	}

	return res, &DatumFactory{resourceUID: res.UID}, nil
}

// RelPath returns full relative to root using forward slashes.
// It fails when full is not inside root.
func RelPath(root, full string) (string, error) {
	rel, err := filepath.Rel(root, full)
	if err != nil {
		return "", err
	}

	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %q is outside of root %q", full, root)
	}

	return rel, nil
}

// DatumFactory creates the datums of one Resource. It is safe for concurrent use.
type DatumFactory struct {
	mu          sync.Mutex
	resourceUID string
	counter     int64
}

// ResourceUID returns the UID of the Resource the factory belongs to.
func (f *DatumFactory) ResourceUID() string { return f.resourceUID }

// New creates the next datum carrying kwargs.
func (f *DatumFactory) New(kwargs map[string]any) *Datum {
	f.mu.Lock()
	n := f.counter
	f.counter++
	f.mu.Unlock()

	if kwargs == nil {
		kwargs = map[string]any{}
	}

	return &Datum{
		ResourceUID: f.resourceUID,
		DatumID:     fmt.Sprintf("%s/%d", f.resourceUID, n),
		Kwargs:      kwargs,
		Index:       n,
	}
}
