package main

import (
	"bufio"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	uio "github.com/ipfs/dagkit/unixfs/io"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
)

// sniffLen is how much of a file is read to guess its content type.
const sniffLen = 3072

var statCommand = &cli.Command{
	Name:      "stat",
	Usage:     "Describe the node at a path",
	ArgsUsage: "<cid>[/path]",
	Action:    StatCmd,
}

var lsCommand = &cli.Command{
	Name:      "ls",
	Usage:     "List a directory",
	ArgsUsage: "<cid>[/path]",
	Action:    LsCmd,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    "human",
			Aliases: []string{"H"},
			Usage:   "print sizes in human readable form",
		},
	},
}

var catCommand = &cli.Command{
	Name:      "cat",
	Usage:     "Write the content of a file to stdout",
	ArgsUsage: "<cid>[/path]",
	Action:    CatCmd,
	Flags: []cli.Flag{
		&cli.Uint64Flag{
			Name:  "offset",
			Usage: "byte offset to start at",
		},
		&cli.Uint64Flag{
			Name:  "length",
			Usage: "maximum number of bytes to write",
		},
	},
}

// StatCmd prints what Stat reports about a path.
func StatCmd(c *cli.Context) (err error) {
	root, p, err := parsePath(c.Args().First())
	if err != nil {
		return err
	}
	format, err := cidFormatter(c)
	if err != nil {
		return err
	}
	r, err := openRepo(c)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, r.Close())
	}()

	st, err := uio.Stat(c.Context, r, root, p)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 1, ' ', 0)
	fmt.Fprintf(w, "CID:\t%s\n", format(st.Cid))
	fmt.Fprintf(w, "Type:\t%s\n", st.Type)
	if st.Type != uio.TypeDirectory {
		fmt.Fprintf(w, "Size:\t%d (%s)\n", st.Size, humanize.IBytes(st.Size))
	}
	fmt.Fprintf(w, "DagSize:\t%d (%s)\n", st.DagSize, humanize.IBytes(st.DagSize))
	fmt.Fprintf(w, "Blocks:\t%d\n", st.Blocks)
	if st.Sharded {
		fmt.Fprintf(w, "Sharded:\ttrue\n")
	}
	if st.Mode != nil {
		fmt.Fprintf(w, "Mode:\t%04o\n", *st.Mode)
	}
	if st.Mtime != nil {
		fmt.Fprintf(w, "Mtime:\t%s\n", st.Mtime.Time().UTC().Format("2006-01-02 15:04:05.999999999 MST"))
	}
	if (st.Type == uio.TypeFile || st.Type == uio.TypeRaw) && st.Size > 0 {
		rd, err := uio.Cat(c.Context, r, st.Cid, uio.Length(sniffLen))
		if err != nil {
			return err
		}
		mt, err := mimetype.DetectReader(rd)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "MimeType:\t%s\n", mt.String())
	}
	return w.Flush()
}

// LsCmd prints one line per directory entry.
func LsCmd(c *cli.Context) (err error) {
	root, p, err := parsePath(c.Args().First())
	if err != nil {
		return err
	}
	format, err := cidFormatter(c)
	if err != nil {
		return err
	}
	r, err := openRepo(c)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, r.Close())
	}()

	it, err := uio.Ls(c.Context, r, root, p)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 1, ' ', 0)
	for {
		e, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		size := fmt.Sprint(e.Size)
		if c.Bool("human") {
			size = humanize.IBytes(e.Size)
		}
		name := e.Name
		if e.Type == uio.TypeDirectory {
			name += "/"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", format(e.Cid), size, name)
	}
	return w.Flush()
}

// CatCmd streams a file to stdout.
func CatCmd(c *cli.Context) (err error) {
	root, p, err := parsePath(c.Args().First())
	if err != nil {
		return err
	}
	r, err := openRepo(c)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, r.Close())
	}()

	if p != "" {
		root, _, err = uio.Resolve(c.Context, r, root, p)
		if err != nil {
			return err
		}
	}
	var opts []uio.CatOption
	if c.IsSet("offset") {
		opts = append(opts, uio.Offset(c.Uint64("offset")))
	}
	if c.IsSet("length") {
		opts = append(opts, uio.Length(c.Uint64("length")))
	}
	rd, err := uio.Cat(c.Context, r, root, opts...)
	if err != nil {
		return err
	}
	out := bufio.NewWriter(c.App.Writer)
	if _, err := rd.WriteTo(out); err != nil {
		return err
	}
	return out.Flush()
}
