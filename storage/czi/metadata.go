package czi

import (
	"encoding/xml"

	"github.com/janelia-flyem/tsio/tsio"
)

type imageDocument struct {
	XMLName  xml.Name `xml:"ImageDocument"`
	Metadata struct {
		Information struct {
			Image imageInfo `xml:"Image"`
		} `xml:"Information"`
		Scaling struct {
			Items []distance `xml:"Items>Distance"`
		} `xml:"Scaling"`
	} `xml:"Metadata"`
}

type imageInfo struct {
	PixelType string `xml:"PixelType,omitempty"`
	SizeX     int    `xml:"SizeX,omitempty"`
	SizeY     int    `xml:"SizeY,omitempty"`
	SizeZ     int    `xml:"SizeZ,omitempty"`
	SizeC     int    `xml:"SizeC,omitempty"`
	SizeT     int    `xml:"SizeT,omitempty"`
}

// distance is a voxel size in meters.
type distance struct {
	ID    string  `xml:"Id,attr"`
	Value float64 `xml:"Value"`
}

var pixelTypeNames = map[int32]string{
	pixelGray8:       "Gray8",
	pixelGray16:      "Gray16",
	pixelGray32Float: "Gray32Float",
	pixelGray32:      "Gray32",
	pixelGray64:      "Gray64",
}

// physicalSize returns the (Z, Y, X) voxel size in micrometers.
func (doc *imageDocument) physicalSize() ([3]float64, string) {
	var zyx [3]float64
	for _, d := range doc.Metadata.Scaling.Items {
		switch d.ID {
		case "Z":
			zyx[0] = d.Value * 1e6
		case "Y":
			zyx[1] = d.Value * 1e6
		case "X":
			zyx[2] = d.Value * 1e6
		}
	}
	if zyx == [3]float64{} {
		return zyx, ""
	}
	return zyx, "µm"
}

func parseMetadata(b []byte) (*imageDocument, error) {
	var doc imageDocument
	if err := xml.Unmarshal(b, &doc); err != nil {
		return nil, tsio.UnsupportedFormatf("bad CZI metadata: %v", err)
	}
	return &doc, nil
}

func newMetadata(meta *tsio.Metadata, pixelType int32) ([]byte, error) {
	var doc imageDocument
	doc.Metadata.Information.Image = imageInfo{
		PixelType: pixelTypeNames[pixelType],
		SizeX:     meta.X(),
		SizeY:     meta.Y(),
		SizeZ:     meta.Z(),
		SizeC:     meta.C(),
		SizeT:     meta.T(),
	}
	zyx, unit := meta.PhysicalSize()
	if unit == "" || unit == "µm" || unit == "micrometer" {
		for i, id := range []string{"Z", "Y", "X"} {
			if zyx[i] != 0 {
				doc.Metadata.Scaling.Items = append(doc.Metadata.Scaling.Items, distance{id, zyx[i] * 1e-6})
			}
		}
	}
	b, err := xml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), b...), nil
}
