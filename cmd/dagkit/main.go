// Command dagkit adds files to a local block store as UnixFS DAGs, reads
// them back and moves them in and out of CAR archives.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ipfs/dagkit/blockstore"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	badger "github.com/ipfs/go-ds-badger"
	leveldb "github.com/ipfs/go-ds-leveldb"
	logging "github.com/ipfs/go-log/v2"
	"github.com/multiformats/go-multibase"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
)

var log = logging.Logger("dagkit")

func main() {
	os.Exit(main1())
}

func main1() int {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "dagkit",
		Usage: "Build, inspect and archive UnixFS DAGs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "repo",
				Usage:   "directory holding the block store",
				Value:   defaultRepoPath(),
				EnvVars: []string{"DAGKIT_REPO"},
			},
			&cli.StringFlag{
				Name:  "datastore",
				Usage: "block store backend: leveldb, badger or memory",
				Value: "leveldb",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level for all subsystems",
				Value: "error",
			},
			&cli.StringFlag{
				Name:  "cid-base",
				Usage: "multibase used to print CIDv1",
			},
		},
		// errors are printed by main1; combined close errors would otherwise
		// make cli exit on its own
		ExitErrHandler: func(*cli.Context, error) {},
		Before: func(cctx *cli.Context) error {
			return logging.SetLogLevel("*", cctx.String("log-level"))
		},
		Commands: []*cli.Command{
			addCommand,
			statCommand,
			lsCommand,
			catCommand,
			exportCommand,
			importCommand,
			verifyCommand,
			getBlockCommand,
		},
	}
}

func defaultRepoPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dagkit"
	}
	return filepath.Join(home, ".dagkit")
}

// repo is an opened block store and the datastore behind it.
type repo struct {
	blockstore.Blockstore
	ds ds.Batching
}

// openDatastore opens the backend named by --datastore under --repo.
var openDatastore = func(cctx *cli.Context) (ds.Batching, error) {
	path := cctx.String("repo")
	switch backend := cctx.String("datastore"); backend {
	case "memory":
		return dssync.MutexWrap(ds.NewMapDatastore()), nil
	case "leveldb":
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, err
		}
		return leveldb.NewDatastore(filepath.Join(path, "leveldb"), nil)
	case "badger":
		if err := os.MkdirAll(filepath.Join(path, "badger"), 0o755); err != nil {
			return nil, err
		}
		return badger.NewDatastore(filepath.Join(path, "badger"), &badger.DefaultOptions)
	default:
		return nil, fmt.Errorf("unknown datastore %q", backend)
	}
}

func openRepo(cctx *cli.Context) (*repo, error) {
	d, err := openDatastore(cctx)
	if err != nil {
		return nil, err
	}
	log.Debugw("opened datastore", "backend", cctx.String("datastore"), "path", cctx.String("repo"))

	bs, err := blockstore.CachedBlockstore(cctx.Context, blockstore.NewBlockstore(d), blockstore.DefaultCacheOpts())
	if err != nil {
		return nil, multierr.Append(err, d.Close())
	}
	return &repo{Blockstore: blockstore.NewIdStore(bs), ds: d}, nil
}

func (r *repo) Close() error {
	return multierr.Combine(r.ds.Sync(context.Background(), ds.NewKey("/")), r.ds.Close())
}

// cidFormatter prints CIDv1 in the base chosen with --cid-base.
func cidFormatter(cctx *cli.Context) (func(cid.Cid) string, error) {
	name := cctx.String("cid-base")
	if name == "" {
		return cid.Cid.String, nil
	}
	enc, err := multibase.EncoderByName(name)
	if err != nil {
		return nil, err
	}
	return func(c cid.Cid) string {
		if c.Version() == 0 {
			return c.String()
		}
		return c.Encode(enc)
	}, nil
}

// parsePath splits "<cid>[/path]".
func parsePath(arg string) (cid.Cid, string, error) {
	root, rest, _ := strings.Cut(arg, "/")
	c, err := cid.Decode(root)
	if err != nil {
		return cid.Undef, "", fmt.Errorf("invalid cid %q: %w", root, err)
	}
	return c, rest, nil
}
