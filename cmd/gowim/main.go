// Command gowim is a small command-line front end over the gowim
// library: enough to capture a directory into a new WIM, list its
// images, extract one back out, and split/join a spanned set.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/distr1/gowim"
	"github.com/distr1/gowim/internal/codec"
)

var debug = flag.Bool("debug", false, "format error messages with additional detail")

type cmd struct {
	fn func(ctx context.Context, args []string) error
}

func funcmain() error {
	flag.Parse()
	ctx, canc := gowim.InterruptibleContext()
	defer canc()

	verbs := map[string]cmd{
		"create":  {cmdCreate},
		"info":    {cmdInfo},
		"extract": {cmdExtract},
		"split":   {cmdSplit},
		"join":    {cmdJoin},
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "gowim <command> [options]\n\ncommands: create, info, extract, split, join\n")
		os.Exit(2)
	}
	verb, rest := args[0], args[1:]
	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		os.Exit(2)
	}
	if err := v.fn(ctx, rest); err != nil {
		if *debug {
			return fmt.Errorf("%s: %+v", verb, err)
		}
		return fmt.Errorf("%s: %v", verb, err)
	}
	return nil
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseCompression(s string) (codec.Type, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return codec.None, nil
	case "xpress":
		return codec.XPRESS, nil
	case "lzx":
		return codec.LZX, nil
	case "lzms":
		return codec.LZMS, nil
	}
	return codec.None, fmt.Errorf("unknown compression %q", s)
}

func cmdCreate(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("create", flag.ExitOnError)
	compression := fset.String("compression", "lzx", "none, xpress, lzx, or lzms")
	name := fset.String("name", "image1", "name recorded for the captured image")
	fset.Parse(args)
	if fset.NArg() != 2 {
		return fmt.Errorf("syntax: gowim create [options] <source-dir> <out.wim>")
	}
	srcDir, outPath := fset.Arg(0), fset.Arg(1)

	ct, err := parseCompression(*compression)
	if err != nil {
		return err
	}
	c, err := gowim.Create(ct, 0)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.AddImage(ctx, &dirScanner{root: srcDir}, *name, 0); err != nil {
		return err
	}
	return c.Write(ctx, outPath, gowim.AllImages, 0, 1)
}

func cmdInfo(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("info", flag.ExitOnError)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return fmt.Errorf("syntax: gowim info <file.wim>")
	}
	c, err := gowim.Open(fset.Arg(0), gowim.OpenCheckIntegrity)
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Printf("images: %d\n", c.ImageCount())
	for i := 1; i <= c.ImageCount(); i++ {
		fmt.Printf("  [%d] %s\n", i, c.ImageName(i))
	}
	if bi := c.BootIndex(); bi != 0 {
		fmt.Printf("boot index: %d\n", bi)
	}
	return nil
}

func cmdExtract(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("extract", flag.ExitOnError)
	image := fset.Int("image", 1, "1-based image index to extract")
	fset.Parse(args)
	if fset.NArg() != 2 {
		return fmt.Errorf("syntax: gowim extract [options] <file.wim> <target-dir>")
	}
	c, err := gowim.Open(fset.Arg(0), 0)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.ExtractImage(ctx, *image, fset.Arg(1), 0)
}

func cmdSplit(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("split", flag.ExitOnError)
	partMiB := fset.Int64("part-size-mib", 650, "approximate maximum size of each part, in MiB")
	fset.Parse(args)
	if fset.NArg() != 2 {
		return fmt.Errorf("syntax: gowim split [options] <file.wim> <out-base-name>")
	}
	c, err := gowim.Open(fset.Arg(0), 0)
	if err != nil {
		return err
	}
	defer c.Close()
	parts, err := c.Split(fset.Arg(1), uint64(*partMiB)<<20, 0)
	if err != nil {
		return err
	}
	for _, p := range parts {
		fmt.Printf("part %d: %s\n", p.Number, p.Path)
	}
	return nil
}

func cmdJoin(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("join", flag.ExitOnError)
	compression := fset.String("compression", "lzx", "none, xpress, lzx, or lzms")
	fset.Parse(args)
	if fset.NArg() < 2 {
		return fmt.Errorf("syntax: gowim join [options] <out.wim> <part1> [part2 ...]")
	}
	ct, err := parseCompression(*compression)
	if err != nil {
		return err
	}
	_, err = gowim.Join(ctx, fset.Args()[1:], fset.Arg(0), ct, 0, 0)
	return err
}

// dirScanner implements gowim.Scanner over a real directory on the local
// filesystem: the concrete walker the library itself deliberately leaves
// unimplemented (see gowim.Scanner's doc comment).
type dirScanner struct{ root string }

func (d *dirScanner) Scan(ctx context.Context) (gowim.Entry, error) {
	return entryFor(d.root, "")
}

func entryFor(fullPath, name string) (gowim.Entry, error) {
	fi, err := os.Lstat(fullPath)
	if err != nil {
		return gowim.Entry{}, err
	}
	e := gowim.Entry{
		Name:       name,
		ModTime:    fi.ModTime(),
		AccessTime: fi.ModTime(),
		CreateTime: fi.ModTime(),
	}
	if fi.IsDir() {
		e.Attributes = gowim.AttrDirectory
		e.Children = func() ([]gowim.Entry, error) {
			ents, err := os.ReadDir(fullPath)
			if err != nil {
				return nil, err
			}
			out := make([]gowim.Entry, 0, len(ents))
			for _, de := range ents {
				child, err := entryFor(filepath.Join(fullPath, de.Name()), de.Name())
				if err != nil {
					return nil, err
				}
				out = append(out, child)
			}
			return out, nil
		}
		return e, nil
	}

	path := fullPath
	size := fi.Size()
	e.Streams = []gowim.StreamSource{{
		Size: size,
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}}
	return e, nil
}
