package main

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	ignore "github.com/crackcomm/go-gitignore"
	"github.com/ipfs/dagkit/unixfs"
	"github.com/ipfs/dagkit/unixfs/importer"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
)

const ignoreFileName = ".dagignore"

var addCommand = &cli.Command{
	Name:      "add",
	Usage:     "Add files and directories to the block store",
	ArgsUsage: "<path>...",
	Action:    AddCmd,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "chunker",
			Usage: "chunking policy: size-<n>, rabin-<min>-<avg>-<max> or buzhash",
			Value: "size-262144",
		},
		&cli.IntFlag{
			Name:  "cid-version",
			Usage: "CID version of created nodes",
		},
		&cli.BoolFlag{
			Name:  "raw-leaves",
			Usage: "store file data in raw leaves",
		},
		&cli.BoolFlag{
			Name:  "trickle",
			Usage: "use the trickle layout instead of the balanced one",
		},
		&cli.StringFlag{
			Name:  "profile",
			Usage: "apply a named profile: unixfs-v0-2015 or unixfs-v1-2025",
		},
		&cli.StringSliceFlag{
			Name:  "ignore",
			Usage: "gitignore style pattern of paths to skip; a " + ignoreFileName + " file in an added directory is honored too",
		},
		&cli.BoolFlag{
			Name:    "wrap",
			Aliases: []string{"w"},
			Usage:   "wrap all added paths in one directory",
		},
		&cli.BoolFlag{
			Name:  "preserve-mode",
			Usage: "record file permissions",
		},
		&cli.BoolFlag{
			Name:  "preserve-mtime",
			Usage: "record modification times",
		},
		&cli.BoolFlag{
			Name:    "quiet",
			Aliases: []string{"q"},
			Usage:   "only print the last CID",
		},
	},
}

// AddCmd imports the given paths.
func AddCmd(c *cli.Context) (err error) {
	if c.Args().Len() == 0 {
		return fmt.Errorf("usage: dagkit add <path>...")
	}
	format, err := cidFormatter(c)
	if err != nil {
		return err
	}

	opts, err := addOptions(c)
	if err != nil {
		return err
	}

	var items []walkItem
	for _, arg := range lo.Uniq(c.Args().Slice()) {
		found, err := walkArg(arg, c.StringSlice("ignore"))
		if err != nil {
			return err
		}
		items = append(items, found...)
	}

	r, err := openRepo(c)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, r.Close())
	}()

	src := &walkSource{
		items:         items,
		preserveMode:  c.Bool("preserve-mode"),
		preserveMtime: c.Bool("preserve-mtime"),
	}
	defer func() {
		err = multierr.Append(err, src.Close())
	}()

	out := bufio.NewWriter(c.App.Writer)
	defer func() {
		err = multierr.Append(err, out.Flush())
	}()

	it := importer.AddAll(c.Context, r, src, opts...)
	var last importer.Result
	for {
		res, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		last = res
		if !c.Bool("quiet") {
			fmt.Fprintf(out, "added %s %s\n", format(res.Cid), res.Path)
		}
	}
	if c.Bool("quiet") && last.Cid.Defined() {
		fmt.Fprintln(out, format(last.Cid))
	}
	return nil
}

func addOptions(c *cli.Context) ([]importer.Option, error) {
	var opts []importer.Option
	switch p := c.String("profile"); p {
	case "":
	case "unixfs-v0-2015":
		opts = append(opts, importer.Profile(importer.UnixFS_v0_2015))
	case "unixfs-v1-2025":
		opts = append(opts, importer.Profile(importer.UnixFS_v1_2025))
	default:
		return nil, fmt.Errorf("unknown profile %q", p)
	}
	if c.IsSet("chunker") || c.String("profile") == "" {
		opts = append(opts, importer.Chunker(c.String("chunker")))
	}
	if c.IsSet("cid-version") {
		opts = append(opts, importer.CidVersion(c.Int("cid-version")))
	}
	if c.IsSet("raw-leaves") {
		opts = append(opts, importer.RawLeaves(c.Bool("raw-leaves")))
	}
	if c.Bool("trickle") {
		opts = append(opts, importer.Layout(importer.Trickle))
	}
	if c.Bool("wrap") {
		opts = append(opts, importer.WrapWithDirectory(true))
	}
	return opts, nil
}

type walkItem struct {
	path string // path inside the DAG
	file string // path on disk, empty for directories
	info fs.FileInfo
}

// walkArg lists arg and everything below it. DAG paths are rooted at the
// base name of arg.
func walkArg(arg string, patterns []string) ([]walkItem, error) {
	arg = filepath.Clean(arg)
	st, err := os.Stat(arg)
	if err != nil {
		return nil, err
	}
	base := filepath.Base(arg)
	if !st.IsDir() {
		return []walkItem{{path: base, file: arg, info: st}}, nil
	}

	lines := patterns
	if data, err := os.ReadFile(filepath.Join(arg, ignoreFileName)); err == nil {
		lines = append(lines, strings.Split(string(data), "\n")...)
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	ign, err := ignore.CompileIgnoreLines(lines...)
	if err != nil {
		return nil, err
	}

	var items []walkItem
	err = filepath.WalkDir(arg, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(arg, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel != "." && ign.MatchesPath(rel) {
			log.Debugw("ignored", "path", p)
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 || !(d.IsDir() || d.Type().IsRegular()) {
			log.Warnw("skipping special file", "path", p)
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		item := walkItem{path: path.Join(base, rel), info: info}
		if !d.IsDir() {
			item.file = p
		}
		items = append(items, item)
		return nil
	})
	return items, err
}

// walkSource opens files one at a time. The previous file is closed once
// the importer asks for the next entry.
type walkSource struct {
	items         []walkItem
	open          *os.File
	preserveMode  bool
	preserveMtime bool
}

func (s *walkSource) Next() (importer.Entry, error) {
	if err := s.Close(); err != nil {
		return importer.Entry{}, err
	}
	if len(s.items) == 0 {
		return importer.Entry{}, io.EOF
	}
	item := s.items[0]
	s.items = s.items[1:]

	e := importer.Entry{Path: item.path}
	if s.preserveMode {
		m := uint32(item.info.Mode().Perm())
		e.Mode = &m
	}
	if s.preserveMtime {
		t := unixfs.MtimeFromTime(item.info.ModTime())
		e.Mtime = &t
	}
	if item.file != "" {
		f, err := os.Open(item.file)
		if err != nil {
			return importer.Entry{}, err
		}
		s.open = f
		e.Content = f
	}
	return e, nil
}

func (s *walkSource) Close() error {
	if s.open == nil {
		return nil
	}
	err := s.open.Close()
	s.open = nil
	return err
}
