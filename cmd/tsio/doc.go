/*
tsio reads and writes large multi-dimensional microscopy images stored as chunked
datasets.  Every dataset is addressed in one canonical 5D order, (T, C, Z, Y, X):
time points, channels, layers, rows and columns.  Callers ask for strided index
ranges along each axis and receive a dense array; the library works out which
stored chunks intersect the request, decodes them in parallel and copies the
selected elements into place.

Supported containers

	omezarr    OME-Zarr (NGFF) groups and bare Zarr v2 arrays, on local disk or
	           object storage (gs://, s3://, mem://).
	ometiff    OME-TIFF and BigTIFF plane stacks, stripped or tiled.
	czi        Zeiss CZI files, one scene at a time.
	chunkdb    Compressed chunks in an embedded BadgerDB key-value store.

Packages

	tsio       Core types: index sequences, selections, metadata, dense arrays,
	           errors, logging and chunk serialization.
	chunk      Decoded chunk blocks and the resolver that maps a selection onto the
	           chunk grid.
	storage    The engine registry, the session interface every container backend
	           implements, the chunk cache and the key/value object stores.
	volume     Reader and Writer, the user-facing API.

Command-line use

In the following documentation, the type of brackets designate
<required parameter> and [optional parameter].

	tsio about

Lists the container engines compiled into the executable.

	tsio [-type=<format>] [-hint=<hint>] info <path>

Prints the size, chunk grid, data type and physical voxel size of a dataset.

	tsio [-type=<format>] [-to-type=<format>] [-chunk=t,c,z,y,x] [-compression=<name>] copy <src> <dst>

Converts a dataset between containers, one chunk-deep slab of layers at a time.
A TOML file given by -config sets logging, worker counts, the read cache and
per-container options:

	[logging]
	logfile = "tsio.log"
	max_log_size = 500 # MB
	max_log_age = 30   # days

	[reader]
	workers = 16
	cache_mb = 512

	[writer]
	workers = 8

	[store.omezarr]
	compressor = "zstd"
	level = 5
*/
package main
