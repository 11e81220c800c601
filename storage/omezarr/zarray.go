package omezarr

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/janelia-flyem/tsio/tsio"
)

// ArrayMeta is the contents of a Zarr v2 ".zarray" document.
type ArrayMeta struct {
	ZarrFormat         int                    `json:"zarr_format"`
	Shape              []int                  `json:"shape"`
	Chunks             []int                  `json:"chunks"`
	Dtype              string                 `json:"dtype"`
	Compressor         map[string]interface{} `json:"compressor"`
	FillValue          interface{}            `json:"fill_value"`
	Order              string                 `json:"order"`
	Filters            []interface{}          `json:"filters"`
	DimensionSeparator string                 `json:"dimension_separator,omitempty"`
}

const zarraySchema = `{
	"type": "object",
	"required": ["zarr_format", "shape", "chunks", "dtype", "compressor", "fill_value", "order"],
	"properties": {
		"zarr_format": {"const": 2},
		"shape": {"type": "array", "items": {"type": "integer", "minimum": 0}},
		"chunks": {"type": "array", "items": {"type": "integer", "minimum": 1}},
		"dtype": {"type": "string", "pattern": "^[<>|][a-zA-Z][0-9]+$"},
		"compressor": {
			"oneOf": [
				{"type": "null"},
				{"type": "object", "required": ["id"], "properties": {"id": {"type": "string"}}}
			]
		},
		"order": {"enum": ["C", "F"]},
		"filters": {"type": ["array", "null"]},
		"dimension_separator": {"enum": [".", "/"]}
	}
}`

var zarrayValidator = jsonschema.MustCompileString("zarray.json", zarraySchema)

// parseArrayMeta validates and decodes a ".zarray" document.
func parseArrayMeta(data []byte) (*ArrayMeta, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, tsio.UnsupportedFormatf(".zarray is not JSON: %v", err)
	}
	if err := zarrayValidator.Validate(v); err != nil {
		return nil, tsio.UnsupportedFormatf("invalid .zarray: %v", err)
	}
	var am ArrayMeta
	if err := json.Unmarshal(data, &am); err != nil {
		return nil, tsio.UnsupportedFormatf("invalid .zarray: %v", err)
	}
	if len(am.Shape) != len(am.Chunks) {
		return nil, tsio.UnsupportedFormatf(".zarray shape %v and chunks %v differ in length", am.Shape, am.Chunks)
	}
	if len(am.Shape) == 0 || len(am.Shape) > tsio.NumAxes {
		return nil, tsio.UnsupportedFormatf("arrays of %d dimensions are not supported", len(am.Shape))
	}
	if am.Order != "C" {
		return nil, tsio.UnsupportedFormatf("only C order arrays are supported, got %q", am.Order)
	}
	if len(am.Filters) > 0 {
		return nil, tsio.UnsupportedFormatf("zarr filters are not supported")
	}
	if am.DimensionSeparator == "" {
		am.DimensionSeparator = "."
	}
	return &am, nil
}

// dtype is a parsed numpy type string like "<u2".
type dtype struct {
	tsio.DataType
	bigEndian bool
}

func parseDtype(s string) (dtype, error) {
	if len(s) < 3 {
		return dtype{}, tsio.UnsupportedFormatf("bad dtype %q", s)
	}
	order, kind := s[0], s[1]
	size, err := strconv.Atoi(s[2:])
	if err != nil {
		return dtype{}, tsio.UnsupportedFormatf("bad dtype %q", s)
	}
	var name string
	switch kind {
	case 'b':
		name = "uint8"
	case 'u':
		name = fmt.Sprintf("uint%d", size*8)
	case 'i':
		name = fmt.Sprintf("int%d", size*8)
	case 'f':
		name = fmt.Sprintf("float%d", size*8)
	default:
		return dtype{}, tsio.UnsupportedFormatf("dtype %q is not supported", s)
	}
	t, err := tsio.ParseDataType(name)
	if err != nil {
		return dtype{}, tsio.UnsupportedFormatf("dtype %q is not supported", s)
	}
	return dtype{t, order == '>' && size > 1}, nil
}

func (d dtype) String() string {
	var kind byte
	switch {
	case d.IsFloat():
		kind = 'f'
	case d.IsSigned():
		kind = 'i'
	default:
		kind = 'u'
	}
	order := byte('<')
	if d.Bytes() == 1 {
		order = '|'
	} else if d.bigEndian {
		order = '>'
	}
	return fmt.Sprintf("%c%c%d", order, kind, d.Bytes())
}

// fillBytes converts a fill_value into one little-endian element, or nil if the
// fill is zero or null.
func fillBytes(fill interface{}, t tsio.DataType) ([]byte, error) {
	var v float64
	switch f := fill.(type) {
	case nil:
		return nil, nil
	case float64:
		v = f
	case bool:
		if f {
			v = 1
		}
	case string:
		switch strings.ToLower(f) {
		case "nan":
			v = math.NaN()
		case "infinity":
			v = math.Inf(1)
		case "-infinity":
			v = math.Inf(-1)
		default:
			return nil, tsio.UnsupportedFormatf("fill_value %q is not supported", f)
		}
	default:
		return nil, tsio.UnsupportedFormatf("fill_value %v is not supported", fill)
	}
	if v == 0 {
		return nil, nil
	}
	b := make([]byte, t.Bytes())
	t.PutFloat64(b, v)
	return b, nil
}

// chunkKey returns the store key of an array chunk.
func chunkKey(indices []int, separator string) string {
	var sb strings.Builder
	for i, idx := range indices {
		if i > 0 {
			sb.WriteString(separator)
		}
		sb.WriteString(strconv.Itoa(idx))
	}
	return sb.String()
}
