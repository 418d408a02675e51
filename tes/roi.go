package tes

import (
	"context"
	"fmt"
	"sync"

	"github.com/arloliu/go-tes/asset"
	"github.com/arloliu/go-tes/device"
)

// resourceSpec is the spec of every Resource composed by ROI channels.
const resourceSpec = "tes"

// ROI is a named value window whose counts are aggregated by the instrument.
// A nil Low or High disables the ROI.
type ROI struct {
	Label string
	Low   *float64
	High  *float64
}

// Limit returns a pointer to v, for use as an ROI limit.
func Limit(v float64) *float64 { return &v }

// Enabled reports whether both limits are set.
func (r ROI) Enabled() bool { return r.Low != nil && r.High != nil }

// ROIChannel produces the asset documents of one ROI.
//
// While enabled, Stage composes one Resource for the run and every Trigger composes one Datum
// referencing it. A disabled channel produces nothing.
type ROIChannel struct {
	mu     sync.Mutex
	name   string
	label  string
	roi    ROI
	kind   device.Kind
	remote *Remote
	cache  *asset.Cache
	ref    *device.ExternalFileReference
	limits *device.RPCSignal[[]*float64]

	resource *asset.Resource
	factory  *asset.DatumFactory
}

// NewROIChannel creates the channel of roi for the detector named detName. Documents are
// appended to cache.
func NewROIChannel(detName string, roi ROI, remote *Remote, cache *asset.Cache) (*ROIChannel, error) {
	if remote == nil {
		return nil, ErrCallerNil
	}

	name := detName + "_" + roi.Label
	limits, err := device.NewRPCSignalPair[[]*float64](name+"_roi_lims", remote.Caller(), "roi",
		device.WithGetArgs(roi.Label), device.ReadOnly())
	if err != nil {
		return nil, err
	}

	ch := &ROIChannel{
		name:   name,
		label:  roi.Label,
		roi:    roi,
		remote: remote,
		cache:  cache,
		ref:    device.NewExternalFileReference(name+"_roi", []int{}),
		limits: limits,
	}
	ch.setKind(roi)

	return ch, nil
}

// Name returns "<detector>_<label>".
func (ch *ROIChannel) Name() string { return ch.name }

// Label returns the ROI label.
func (ch *ROIChannel) Label() string { return ch.label }

// ROI returns the locally known limits.
func (ch *ROIChannel) ROI() ROI {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.roi
}

// Enabled reports whether the channel produces documents.
func (ch *ROIChannel) Enabled() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.kind != device.Omitted
}

// Reference returns the slot holding the datum id of the latest point.
func (ch *ROIChannel) Reference() *device.ExternalFileReference { return ch.ref }

// Set sends new limits to the instrument and enables the channel, or disables it when either
// limit is nil.
func (ch *ROIChannel) Set(ctx context.Context, low, high *float64) error {
	roi := ROI{Label: ch.label, Low: low, High: high}
	if err := ch.remote.ROISet(ctx, roi); err != nil {
		return fmt.Errorf("set roi %s: %w", roi.Label, err)
	}

	ch.mu.Lock()
	ch.roi = roi
	ch.setKind(roi)
	ch.mu.Unlock()

	return nil
}

// Limits reads the limits known to the instrument.
func (ch *ROIChannel) Limits(ctx context.Context) (ROI, error) {
	lims, err := ch.limits.Get(ctx)
	if err != nil {
		return ROI{}, err
	}

	roi := ROI{Label: ch.label}
	if len(lims) == 2 {
		roi.Low, roi.High = lims[0], lims[1]
	}

	return roi, nil
}

// Stage composes the Resource of the run and returns it. The caller appends it to the cache.
// Disabled channels compose nothing and return a nil Resource.
func (ch *ROIChannel) Stage(ctx context.Context) (*asset.Resource, error) {
	if !ch.Enabled() {
		return nil, nil
	}

	root, err := ch.remote.BaseUserOutputDir(ctx)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", ch.name, err)
	}

	full, err := ch.remote.PFYOutputFile(ctx)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", ch.name, err)
	}

	resourcePath, err := asset.RelPath(root, full)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", ch.name, err)
	}

	res, factory, err := asset.ComposeResource(resourceSpec, root, resourcePath, map[string]any{
		"shape": ch.ref.Shape(),
		"label": ch.label,
	})
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", ch.name, err)
	}

	ch.mu.Lock()
	ch.resource, ch.factory = res, factory
	ch.mu.Unlock()

	return res, nil
}

// Trigger composes the Datum of point index and stores its id in the reference slot.
// It does nothing when the channel is disabled or not staged.
func (ch *ROIChannel) Trigger(index int64) {
	ch.mu.Lock()
	factory := ch.factory
	enabled := ch.kind != device.Omitted
	ch.mu.Unlock()

	if !enabled || factory == nil {
		return
	}

	datum := factory.New(map[string]any{"index": index})
	ch.cache.AppendDatum(datum)
	ch.ref.Put(datum.DatumID)
}

// Unstage drops the Resource and its datum factory.
func (ch *ROIChannel) Unstage() {
	ch.mu.Lock()
	ch.resource, ch.factory = nil, nil
	ch.mu.Unlock()
}

// Resource returns the Resource of the staged run, or nil.
func (ch *ROIChannel) Resource() *asset.Resource {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.resource
}

func (ch *ROIChannel) setKind(roi ROI) {
	if roi.Enabled() {
		ch.kind = device.Normal
	} else {
		ch.kind = device.Omitted
	}
}
