package main

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/rogpeppe/go-internal/testscript"
)

func TestMain(m *testing.M) {
	os.Exit(testscript.RunMain(m, map[string]func() int{
		"dagkit": main1,
	}))
}

var update = flag.Bool("u", false, "update testscript output files")

func TestScript(t *testing.T) {
	t.Parallel()
	testscript.Run(t, testscript.Params{
		Dir: filepath.Join("testdata", "script"),
		Setup: func(env *testscript.Env) error {
			env.Setenv("DAGKIT_REPO", filepath.Join(env.WorkDir, "repo"))
			return nil
		},
		Cmds: map[string]func(ts *testscript.TestScript, neg bool, args []string){
			// setcid NAME stores the first CID on the last line printed by
			// the previous command in $NAME.
			"setcid": func(ts *testscript.TestScript, neg bool, args []string) {
				if neg || len(args) != 1 {
					ts.Fatalf("usage: setcid NAME")
				}
				lines := strings.Split(strings.TrimSpace(ts.ReadFile("stdout")), "\n")
				for _, f := range strings.Fields(lines[len(lines)-1]) {
					if _, err := cid.Decode(f); err == nil {
						ts.Setenv(args[0], f)
						return
					}
				}
				ts.Fatalf("no cid in %q", lines[len(lines)-1])
			},
		},
		UpdateScripts: *update,
	})
}
