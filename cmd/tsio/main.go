
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/janelia-flyem/tsio/storage"
	"github.com/janelia-flyem/tsio/tsio"
	"github.com/janelia-flyem/tsio/volume"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// TOML configuration file.
	configFile = flag.String("config", "", "")

	// Source and destination formats; guessed from the path if empty.
	srcType = flag.String("type", "", "")
	dstType = flag.String("to-type", "", "")

	// Backend hints, e.g., a resolution level of a Zarr pyramid.
	srcHint = flag.String("hint", "", "")
	dstHint = flag.String("to-hint", "", "")

	// Chunk shape of a copy as t,c,z,y,x.
	chunkShape = flag.String("chunk", "", "")

	// Compression of a copy, passed to the destination backend.
	compression = flag.String("compression", "", "")
)

const helpMessage = `
tsio reads and writes chunked 5D (T, C, Z, Y, X) image datasets

Usage: tsio [options] <command>

      -config      =string   TOML configuration file.
      -type        =string   Source format: ometiff, omezarr, czi, chunkdb.
      -to-type     =string   Destination format for copy.
      -hint        =string   Source hint, e.g., a pyramid level of an OME-Zarr group.
      -to-hint     =string   Destination hint.
      -chunk       =string   Destination chunk shape as t,c,z,y,x.
      -compression =string   Destination compression.
      -verbose     (flag)    Run in verbose mode.
  -h, -help        (flag)    Show help message

Commands:

	about
	help
	info <path>
	copy <src path> <dst path>
`

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = func() { fmt.Print(helpMessage) }
	flag.Parse()

	if flag.NArg() >= 1 && strings.ToLower(flag.Args()[0]) == "help" {
		*showHelp = true
	}
	if *showHelp || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}

	config := &volume.Config{}
	if *configFile != "" {
		var err error
		if config, err = volume.LoadConfig(*configFile); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		if err := config.SetLogger(); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
	}
	if *runVerbose {
		tsio.SetLogMode(tsio.DebugMode)
	}

	// Capture ctrl+c so a copy in progress stops between chunks.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := DoCommand(ctx, config, flag.Args())
	tsio.Shutdown()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// DoCommand serves as a switchboard for commands.
func DoCommand(ctx context.Context, config *volume.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("Blank command!")
	}
	switch args[0] {
	case "about":
		for _, e := range storage.Engines() {
			fmt.Printf("%-10s %-8s %s\n", e.GetName(), e.GetSemVer(), e.GetDescription())
		}
		return nil
	case "info":
		if len(args) != 2 {
			return fmt.Errorf("info needs a dataset path")
		}
		return DoInfo(config, args[1])
	case "copy":
		if len(args) != 3 {
			return fmt.Errorf("copy needs a source and destination path")
		}
		return DoCopy(ctx, config, args[1], args[2])
	}
	return fmt.Errorf("unknown command %q; try 'tsio help'", args[0])
}

func fileType(name, path string) (storage.FileType, error) {
	if name == "" {
		return storage.FileTypeFromPath(path), nil
	}
	return storage.ParseFileType(name)
}

func parseShape(s string) (tsio.Point5d, error) {
	var p tsio.Point5d
	parts := strings.Split(s, ",")
	if len(parts) != tsio.NumAxes {
		return p, fmt.Errorf("shape %q needs %d comma-separated sizes", s, tsio.NumAxes)
	}
	for i, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return p, fmt.Errorf("bad shape %q: %v", s, err)
		}
		p[i] = v
	}
	return p, nil
}

// DoInfo prints the description of a dataset.
func DoInfo(config *volume.Config, path string) error {
	ft, err := fileType(*srcType, path)
	if err != nil {
		return err
	}
	r, err := volume.Open(path, ft, *srcHint, config.Options(ft))
	if err != nil {
		return err
	}
	defer r.Close()
	meta := r.Metadata()
	fmt.Printf("%s (%s)\n", path, ft)
	fmt.Printf("  size (t,c,z,y,x):  %s\n", meta.Size())
	fmt.Printf("  chunk shape:       %s\n", meta.ChunkShape())
	fmt.Printf("  chunk grid:        %s\n", meta.NumChunks())
	fmt.Printf("  data type:         %s\n", meta.DataType())
	fmt.Printf("  uncompressed size: %s\n", humanize.Bytes(uint64(meta.TotalBytes())))
	if zyx, unit := meta.PhysicalSize(); unit != "" {
		fmt.Printf("  voxel size (z,y,x): %g x %g x %g %s\n", zyx[0], zyx[1], zyx[2], unit)
	}
	return nil
}

// DoCopy converts a dataset slab by slab, each slab one chunk deep in Z.
func DoCopy(ctx context.Context, config *volume.Config, src, dst string) error {
	sft, err := fileType(*srcType, src)
	if err != nil {
		return err
	}
	dft, err := fileType(*dstType, dst)
	if err != nil {
		return err
	}
	r, err := volume.Open(src, sft, *srcHint, config.Options(sft))
	if err != nil {
		return err
	}
	defer r.Close()

	meta := r.Metadata()
	if *chunkShape != "" {
		cs, err := parseShape(*chunkShape)
		if err != nil {
			return err
		}
		if meta, err = meta.WithChunkShape(cs); err != nil {
			return err
		}
	}
	opts := config.Options(dft)
	if *compression != "" {
		opts.Config = opts.Config.Merge(tsio.Config{"compressor": *compression, "compression": *compression})
	}
	w, err := volume.Create(dst, dft, *dstHint, meta, opts)
	if err != nil {
		return err
	}

	timedLog := tsio.NewTimeLog()
	depth := meta.ChunkShape()[tsio.AxisZ]
	for z := 0; z < meta.Z() && err == nil; z += depth {
		zs := tsio.Span(z, min(z+depth, meta.Z())-1)
		var slab *tsio.Array
		slab, err = r.Data(ctx, tsio.FullSeq(meta.Y()), tsio.FullSeq(meta.X()), zs, tsio.FullSeq(meta.C()), tsio.FullSeq(meta.T()))
		if err == nil {
			err = w.WriteRegion(ctx, slab, tsio.Point5d{0, 0, z, 0, 0})
		}
		if err == nil {
			tsio.Debugf("Copied layers %s\n", zs)
		}
	}
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	timedLog.Infof("Copied %s (%s) to %s (%s), %s", src, sft, dst, dft, humanize.Bytes(uint64(meta.TotalBytes())))
	return nil
}
