package omezarr

import (
	"encoding/json"
	"strings"

	"github.com/blang/semver"

	"github.com/janelia-flyem/tsio/tsio"
)

// NGFFVersion is the OME-NGFF version written for multiscale groups.
const NGFFVersion = "0.4"

// ngff 0.5 moved to Zarr v3 and nests everything under an "ome" key.
var firstUnsupportedNGFF = semver.MustParse("0.5.0")

type attrs struct {
	Multiscales     []multiscale    `json:"multiscales,omitempty"`
	ArrayDimensions []string        `json:"_ARRAY_DIMENSIONS,omitempty"`
	OME             json.RawMessage `json:"ome,omitempty"`
}

type multiscale struct {
	Version  string    `json:"version,omitempty"`
	Name     string    `json:"name,omitempty"`
	Axes     []axis    `json:"axes,omitempty"`
	Datasets []dataset `json:"datasets"`
}

// axis accepts both the 0.3 form (a bare name) and the 0.4 object form.
type axis struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
	Unit string `json:"unit,omitempty"`
}

func (a *axis) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		a.Name = name
		return nil
	}
	type axisObj axis
	var obj axisObj
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*a = axis(obj)
	return nil
}

type dataset struct {
	Path                      string          `json:"path"`
	CoordinateTransformations []transformation `json:"coordinateTransformations,omitempty"`
}

type transformation struct {
	Type  string    `json:"type"`
	Scale []float64 `json:"scale,omitempty"`
}

func parseAttrs(data []byte) (*attrs, error) {
	var a attrs
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, tsio.UnsupportedFormatf("invalid .zattrs: %v", err)
	}
	if len(a.OME) > 0 {
		return nil, tsio.UnsupportedFormatf("OME-NGFF 0.5 (zarr v3) metadata is not supported")
	}
	for _, ms := range a.Multiscales {
		if ms.Version == "" {
			continue
		}
		v, err := semver.ParseTolerant(ms.Version)
		if err != nil {
			return nil, tsio.UnsupportedFormatf("bad multiscales version %q", ms.Version)
		}
		if v.GTE(firstUnsupportedNGFF) {
			return nil, tsio.UnsupportedFormatf("OME-NGFF version %s is not supported", ms.Version)
		}
	}
	return &a, nil
}

// findDataset returns the multiscale holding the dataset at path, or the first
// dataset of the first multiscale if path is empty.
func (a *attrs) findDataset(path string) (*multiscale, *dataset) {
	path = strings.Trim(path, "/")
	for i := range a.Multiscales {
		ms := &a.Multiscales[i]
		for j := range ms.Datasets {
			if path == "" || strings.Trim(ms.Datasets[j].Path, "/") == path {
				return ms, &ms.Datasets[j]
			}
		}
	}
	return nil, nil
}

func (ms *multiscale) axisNames() []string {
	names := make([]string, len(ms.Axes))
	for i, a := range ms.Axes {
		names[i] = a.Name
	}
	return names
}

// physicalSize extracts the (Z, Y, X) scale of a dataset and the spatial unit.
func (ms *multiscale) physicalSize(ds *dataset) ([3]float64, string) {
	var zyx [3]float64
	var unit string
	for _, t := range ds.CoordinateTransformations {
		if t.Type != "scale" || len(t.Scale) != len(ms.Axes) {
			continue
		}
		for i, a := range ms.Axes {
			switch strings.ToLower(a.Name) {
			case "z":
				zyx[0] = t.Scale[i]
			case "y":
				zyx[1] = t.Scale[i]
			case "x":
				zyx[2] = t.Scale[i]
			default:
				continue
			}
			if a.Unit != "" {
				unit = a.Unit
			}
		}
	}
	return zyx, unit
}

// mapAxes returns, for each array dimension, the canonical axis it holds.  Named
// axes must appear in canonical (T, C, Z, Y, X) order; without names, dimensions
// are right-aligned so a 3D array is (Z, Y, X).
func mapAxes(ndim int, names []string) ([]tsio.Axis, error) {
	if ndim > tsio.NumAxes {
		return nil, tsio.UnsupportedFormatf("arrays of %d dimensions are not supported", ndim)
	}
	dims := make([]tsio.Axis, ndim)
	if len(names) != ndim {
		for d := range dims {
			dims[d] = tsio.Axis(tsio.NumAxes - ndim + d)
		}
		return dims, nil
	}
	for d, name := range names {
		a, ok := tsio.ParseAxis(name)
		if !ok {
			return nil, tsio.UnsupportedFormatf("axis %q is not one of t, c, z, y, x", name)
		}
		if d > 0 && a <= dims[d-1] {
			return nil, tsio.UnsupportedFormatf("axes %v are not in t, c, z, y, x order", names)
		}
		dims[d] = a
	}
	return dims, nil
}

// newMultiscale describes a single-level dataset for writing.
func newMultiscale(name, path string, meta *tsio.Metadata) multiscale {
	zyx, unit := meta.PhysicalSize()
	axes := []axis{{Name: "t", Type: "time"}, {Name: "c", Type: "channel"}}
	scale := []float64{1, 1}
	for i, n := range []string{"z", "y", "x"} {
		axes = append(axes, axis{Name: n, Type: "space", Unit: unit})
		s := zyx[i]
		if s == 0 {
			s = 1
		}
		scale = append(scale, s)
	}
	return multiscale{
		Version: NGFFVersion,
		Name:    name,
		Axes:    axes,
		Datasets: []dataset{{
			Path:                      path,
			CoordinateTransformations: []transformation{{Type: "scale", Scale: scale}},
		}},
	}
}
