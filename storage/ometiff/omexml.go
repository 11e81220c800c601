package ometiff

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/twinj/uuid"

	"github.com/janelia-flyem/tsio/tsio"
)

const omeNamespace = "http://www.openmicroscopy.org/Schemas/OME/2016-06"

type omeXML struct {
	XMLName xml.Name   `xml:"OME"`
	Xmlns   string     `xml:"xmlns,attr,omitempty"`
	UUID    string     `xml:"UUID,attr,omitempty"`
	Creator string     `xml:"Creator,attr,omitempty"`
	Images  []omeImage `xml:"Image"`
}

type omeImage struct {
	ID     string    `xml:"ID,attr"`
	Name   string    `xml:"Name,attr,omitempty"`
	Pixels omePixels `xml:"Pixels"`
}

type omePixels struct {
	ID                string  `xml:"ID,attr"`
	DimensionOrder    string  `xml:"DimensionOrder,attr"`
	Type              string  `xml:"Type,attr"`
	BigEndian         *bool   `xml:"BigEndian,attr,omitempty"`
	SizeX             int     `xml:"SizeX,attr"`
	SizeY             int     `xml:"SizeY,attr"`
	SizeZ             int     `xml:"SizeZ,attr"`
	SizeC             int     `xml:"SizeC,attr"`
	SizeT             int     `xml:"SizeT,attr"`
	PhysicalSizeX     float64 `xml:"PhysicalSizeX,attr,omitempty"`
	PhysicalSizeXUnit string  `xml:"PhysicalSizeXUnit,attr,omitempty"`
	PhysicalSizeY     float64 `xml:"PhysicalSizeY,attr,omitempty"`
	PhysicalSizeYUnit string  `xml:"PhysicalSizeYUnit,attr,omitempty"`
	PhysicalSizeZ     float64 `xml:"PhysicalSizeZ,attr,omitempty"`
	PhysicalSizeZUnit string  `xml:"PhysicalSizeZUnit,attr,omitempty"`

	Channels []omeChannel  `xml:"Channel"`
	TiffData []omeTiffData `xml:"TiffData"`
}

type omeChannel struct {
	ID              string `xml:"ID,attr"`
	SamplesPerPixel int    `xml:"SamplesPerPixel,attr,omitempty"`
}

type omeTiffData struct {
	IFD        *int `xml:"IFD,attr"`
	FirstZ     int  `xml:"FirstZ,attr,omitempty"`
	FirstC     int  `xml:"FirstC,attr,omitempty"`
	FirstT     int  `xml:"FirstT,attr,omitempty"`
	PlaneCount *int `xml:"PlaneCount,attr"`
}

var omeTypes = map[string]tsio.DataType{
	"uint8":  tsio.T_uint8,
	"int8":   tsio.T_int8,
	"uint16": tsio.T_uint16,
	"int16":  tsio.T_int16,
	"uint32": tsio.T_uint32,
	"int32":  tsio.T_int32,
	"float":  tsio.T_float32,
	"double": tsio.T_float64,
}

func omeType(t tsio.DataType) (string, error) {
	for name, dt := range omeTypes {
		if dt == t {
			return name, nil
		}
	}
	return "", tsio.UnsupportedFormatf("OME-TIFF has no pixel type for %s", t)
}

// parseOMEXML returns the first image described in an ImageDescription, or nil if
// the description is not OME-XML.
func parseOMEXML(description string) (*omePixels, error) {
	if !strings.Contains(description, "<OME") {
		return nil, nil
	}
	var ome omeXML
	if err := xml.Unmarshal([]byte(description), &ome); err != nil {
		return nil, tsio.UnsupportedFormatf("bad OME-XML: %v", err)
	}
	if len(ome.Images) == 0 {
		return nil, tsio.UnsupportedFormatf("OME-XML holds no images")
	}
	return &ome.Images[0].Pixels, nil
}

func (p *omePixels) dataType() (tsio.DataType, error) {
	t, found := omeTypes[p.Type]
	if !found {
		return 0, tsio.UnsupportedFormatf("OME pixel type %q is not supported", p.Type)
	}
	return t, nil
}

func (p *omePixels) size() tsio.Point5d {
	return tsio.Point5d{max(p.SizeT, 1), max(p.SizeC, 1), max(p.SizeZ, 1), p.SizeY, p.SizeX}
}

// physicalSize returns the (Z, Y, X) voxel size and the X unit.
func (p *omePixels) physicalSize() ([3]float64, string) {
	unit := p.PhysicalSizeXUnit
	if unit == "" && p.PhysicalSizeX != 0 {
		unit = "µm"
	}
	return [3]float64{p.PhysicalSizeZ, p.PhysicalSizeY, p.PhysicalSizeX}, unit
}

// planeIndex returns the position of plane (t, c, z) in the default IFD ordering
// given by DimensionOrder, e.g., XYZCT stores z fastest and t slowest.
func planeIndex(order string, size tsio.Point5d, t, c, z int) (int, error) {
	if len(order) != 5 || !strings.HasPrefix(order, "XY") {
		return 0, tsio.UnsupportedFormatf("dimension order %q is not supported", order)
	}
	idx, stride := 0, 1
	for _, a := range order[2:] {
		switch a {
		case 'Z':
			idx += z * stride
			stride *= size[tsio.AxisZ]
		case 'C':
			idx += c * stride
			stride *= size[tsio.AxisC]
		case 'T':
			idx += t * stride
			stride *= size[tsio.AxisT]
		default:
			return 0, tsio.UnsupportedFormatf("dimension order %q is not supported", order)
		}
	}
	return idx, nil
}

// planeIFDs maps every (t, c, z) plane, in canonical order, to an IFD index.
func (p *omePixels) planeIFDs() ([]int, error) {
	size := p.size()
	nplanes := size[tsio.AxisT] * size[tsio.AxisC] * size[tsio.AxisZ]
	ifds := make([]int, nplanes)
	byPlane := make([]int, nplanes) // default-order position -> canonical index
	for t := 0; t < size[tsio.AxisT]; t++ {
		for c := 0; c < size[tsio.AxisC]; c++ {
			for z := 0; z < size[tsio.AxisZ]; z++ {
				pi, err := planeIndex(p.DimensionOrder, size, t, c, z)
				if err != nil {
					return nil, err
				}
				canonical := (t*size[tsio.AxisC]+c)*size[tsio.AxisZ] + z
				ifds[canonical] = pi
				byPlane[pi] = canonical
			}
		}
	}
	for _, td := range p.TiffData {
		if td.IFD == nil {
			continue
		}
		first, err := planeIndex(p.DimensionOrder, size, td.FirstT, td.FirstC, td.FirstZ)
		if err != nil {
			return nil, err
		}
		count := 1
		if td.PlaneCount != nil {
			count = *td.PlaneCount
		} else if len(p.TiffData) == 1 {
			count = nplanes - first
		}
		for k := 0; k < count && first+k < nplanes; k++ {
			ifds[byPlane[first+k]] = *td.IFD + k
		}
	}
	return ifds, nil
}

// newOMEXML describes a dataset written with XYZCT plane order starting at IFD 0.
func newOMEXML(name string, meta *tsio.Metadata) (string, error) {
	typ, err := omeType(meta.DataType())
	if err != nil {
		return "", err
	}
	zero := 0
	planes := meta.T() * meta.C() * meta.Z()
	littleEndian := false
	px := omePixels{
		ID:             "Pixels:0",
		DimensionOrder: "XYZCT",
		Type:           typ,
		BigEndian:      &littleEndian,
		SizeX:          meta.X(),
		SizeY:          meta.Y(),
		SizeZ:          meta.Z(),
		SizeC:          meta.C(),
		SizeT:          meta.T(),
		TiffData:       []omeTiffData{{IFD: &zero, PlaneCount: &planes}},
	}
	if zyx, unit := meta.PhysicalSize(); zyx != [3]float64{} {
		px.PhysicalSizeZ, px.PhysicalSizeY, px.PhysicalSizeX = zyx[0], zyx[1], zyx[2]
		if unit != "" {
			px.PhysicalSizeZUnit, px.PhysicalSizeYUnit, px.PhysicalSizeXUnit = unit, unit, unit
		}
	}
	for c := 0; c < meta.C(); c++ {
		px.Channels = append(px.Channels, omeChannel{ID: fmt.Sprintf("Channel:0:%d", c), SamplesPerPixel: 1})
	}
	ome := omeXML{
		Xmlns:   omeNamespace,
		UUID:    "urn:uuid:" + uuid.NewV4().String(),
		Creator: "tsio",
		Images:  []omeImage{{ID: "Image:0", Name: name, Pixels: px}},
	}
	b, err := xml.MarshalIndent(ome, "", "  ")
	if err != nil {
		return "", err
	}
	return xml.Header + string(b), nil
}
