package device

import (
	"context"
	"slices"
)

// ExternalFileReference is a soft signal holding the id of the datum that points at the data
// of the latest point.
type ExternalFileReference struct {
	*Soft[string]
	shape []int
}

var _ Signal = (*ExternalFileReference)(nil)

// NewExternalFileReference creates an empty reference for data of the given shape.
func NewExternalFileReference(name string, shape []int) *ExternalFileReference {
	if shape == nil {
		shape = []int{}
	}

	return &ExternalFileReference{Soft: NewSoft(name, Normal, ""), shape: shape}
}

// Shape returns the shape of the referenced data.
func (r *ExternalFileReference) Shape() []int { return slices.Clone(r.shape) }

func (r *ExternalFileReference) Describe(context.Context) (map[string]Descriptor, error) {
	return map[string]Descriptor{r.Name(): {
		Source:   "SOFT:" + r.Name(),
		DType:    "array",
		Shape:    r.Shape(),
		External: "FILESTORE:",
	}}, nil
}
