package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/ipfs/dagkit/ipld/car"
	carbs "github.com/ipfs/dagkit/ipld/car/blockstore"
	"github.com/ipfs/go-cid"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
)

var exportCommand = &cli.Command{
	Name:      "export",
	Usage:     "Write the DAGs under the given roots as a CARv1 archive",
	ArgsUsage: "<cid>...",
	Action:    ExportCmd,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "file to write, stdout when empty",
		},
	},
}

var importCommand = &cli.Command{
	Name:      "import",
	Usage:     "Load the blocks of a CARv1 archive into the block store",
	ArgsUsage: "<file.car>",
	Action:    ImportCmd,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "verify",
			Usage: "check every block against its CID before storing it",
		},
	},
}

var verifyCommand = &cli.Command{
	Name:      "verify",
	Usage:     "Check that every block of a CARv1 archive matches its CID",
	ArgsUsage: "<file.car>",
	Action:    VerifyCmd,
}

var getBlockCommand = &cli.Command{
	Name:      "get-block",
	Usage:     "Write the raw bytes of one block of a CARv1 archive to stdout",
	ArgsUsage: "<file.car> <cid>",
	Action:    GetBlockCmd,
}

// ExportCmd writes an archive of the given roots.
func ExportCmd(c *cli.Context) (err error) {
	if c.Args().Len() == 0 {
		return fmt.Errorf("usage: dagkit export <cid>...")
	}
	roots, err := parseCids(c.Args().Slice())
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

	out := c.App.Writer
	if name := c.String("output"); name != "" {
		f, cerr := os.Create(name)
		if cerr != nil {
			return cerr
		}
		defer func() {
			err = multierr.Append(err, f.Close())
		}()
		out = f
	}
	bw := bufio.NewWriter(out)
	if err := car.Export(c.Context, r, roots, bw); err != nil {
		return err
	}
	return bw.Flush()
}

// ImportCmd loads an archive and prints its roots.
func ImportCmd(c *cli.Context) (err error) {
	f, err := os.Open(c.Args().First())
	if err != nil {
		return err
	}
	defer f.Close()

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

	roots, err := car.LoadCar(c.Context, r, bufio.NewReader(f), car.VerifyBlocks(c.Bool("verify")))
	if err != nil {
		return err
	}
	for _, root := range roots {
		fmt.Fprintf(c.App.Writer, "root %s\n", format(root))
	}
	return nil
}

// VerifyCmd prints a verification report and fails when it is not clean.
func VerifyCmd(c *cli.Context) error {
	f, err := os.Open(c.Args().First())
	if err != nil {
		return err
	}
	defer f.Close()

	format, err := cidFormatter(c)
	if err != nil {
		return err
	}
	rep, err := car.Verify(c.Context, bufio.NewReader(f))
	if err != nil {
		return err
	}
	w := c.App.Writer
	fmt.Fprintf(w, "roots: %v\n", lo.Map(rep.Roots, func(r cid.Cid, _ int) string { return format(r) }))
	fmt.Fprintf(w, "blocks: %d (%d bytes)\n", rep.Blocks, rep.Bytes)
	for _, bad := range rep.Bad {
		fmt.Fprintf(w, "bad block %s: %s\n", format(bad.Cid), bad.Err)
	}
	for _, m := range rep.MissingRoots {
		fmt.Fprintf(w, "missing root %s\n", format(m))
	}
	if !rep.OK() {
		return fmt.Errorf("%s failed verification", c.Args().First())
	}
	return nil
}

// GetBlockCmd looks a block up through an index of the archive.
func GetBlockCmd(c *cli.Context) (err error) {
	if c.Args().Len() != 2 {
		return fmt.Errorf("usage: dagkit get-block <file.car> <cid>")
	}
	k, err := cid.Decode(c.Args().Get(1))
	if err != nil {
		return err
	}
	bs, err := carbs.OpenReadOnly(c.Args().First())
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, bs.Close())
	}()

	blk, err := bs.Get(c.Context, k)
	if err != nil {
		return err
	}
	_, err = c.App.Writer.Write(blk.RawData())
	return err
}

func parseCids(args []string) ([]cid.Cid, error) {
	var out []cid.Cid
	for _, a := range lo.Uniq(args) {
		c, err := cid.Decode(a)
		if err != nil {
			return nil, fmt.Errorf("invalid cid %q: %w", a, err)
		}
		out = append(out, c)
	}
	return out, nil
}
