package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	strata "github.com/stratavcs/strata"
	"github.com/stratavcs/strata/pkg/logging"
	"github.com/stratavcs/strata/pkg/types"
)

func usage() {
	fmt.Println("Usage: strata <command> [flags] [arguments]")
	fmt.Println("Commands:")
	fmt.Println("  create -repo <dir>")
	fmt.Println("  append -repo <dir> -store <name> [-p1 <id>] [-p2 <id>] [-link <rev>] <file|->")
	fmt.Println("  read   -repo <dir> -store <name> [-policy abort|ignore] <rev-or-id-prefix>")
	fmt.Println("  strip  -repo <dir> -store <name> <rev>")
	fmt.Println("  censor -repo <dir> -store <name> -rev <rev> [-tombstone <msg>]")
	fmt.Println("  heads  -repo <dir>")
	fmt.Println("  hide   -repo <dir> <id-prefix>...")
	fmt.Println("  unhide -repo <dir> <id-prefix>...")
	fmt.Println("  verify -repo <dir>")
	os.Exit(1)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	ctx := context.Background()

	switch os.Args[1] {
	case "create":
		fs := flag.NewFlagSet("create", flag.ExitOnError)
		repoDir := fs.String("repo", "", "repository directory")
		fs.Parse(os.Args[2:])
		r := openRepo(*repoDir)
		defer r.Close()
		fmt.Printf("created repository at %s\n", *repoDir)

	case "append":
		fs := flag.NewFlagSet("append", flag.ExitOnError)
		repoDir := fs.String("repo", "", "repository directory")
		store := fs.String("store", strata.ChangelogStore, "store name")
		p1 := fs.String("p1", "", "first parent id (or prefix)")
		p2 := fs.String("p2", "", "second parent id (or prefix)")
		link := fs.Int("link", 0, "changelog revision that introduces this revision")
		fs.Parse(os.Args[2:])
		if fs.NArg() < 1 {
			usage()
		}
		cmdAppend(ctx, *repoDir, *store, *p1, *p2, *link, fs.Arg(0))

	case "read":
		fs := flag.NewFlagSet("read", flag.ExitOnError)
		repoDir := fs.String("repo", "", "repository directory")
		store := fs.String("store", strata.ChangelogStore, "store name")
		policy := fs.String("policy", "abort", "censorship policy: abort or ignore")
		fs.Parse(os.Args[2:])
		if fs.NArg() < 1 {
			usage()
		}
		cmdRead(*repoDir, *store, *policy, fs.Arg(0))

	case "strip":
		fs := flag.NewFlagSet("strip", flag.ExitOnError)
		repoDir := fs.String("repo", "", "repository directory")
		store := fs.String("store", strata.ChangelogStore, "store name")
		fs.Parse(os.Args[2:])
		if fs.NArg() < 1 {
			usage()
		}
		cmdStrip(ctx, *repoDir, *store, fs.Arg(0))

	case "censor":
		fs := flag.NewFlagSet("censor", flag.ExitOnError)
		repoDir := fs.String("repo", "", "repository directory")
		store := fs.String("store", strata.ChangelogStore, "store name")
		rev := fs.Int("rev", -1, "revision to censor")
		tombstone := fs.String("tombstone", "", "replacement message")
		fs.Parse(os.Args[2:])
		if *rev < 0 {
			usage()
		}
		cmdCensor(ctx, *repoDir, *store, *rev, *tombstone)

	case "heads":
		fs := flag.NewFlagSet("heads", flag.ExitOnError)
		repoDir := fs.String("repo", "", "repository directory")
		fs.Parse(os.Args[2:])
		cmdHeads(*repoDir)

	case "hide", "unhide":
		fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
		repoDir := fs.String("repo", "", "repository directory")
		fs.Parse(os.Args[2:])
		if fs.NArg() < 1 {
			usage()
		}
		cmdSetVisibility(ctx, *repoDir, os.Args[1] == "hide", fs.Args())

	case "verify":
		fs := flag.NewFlagSet("verify", flag.ExitOnError)
		repoDir := fs.String("repo", "", "repository directory")
		fs.Parse(os.Args[2:])
		cmdVerify(*repoDir)

	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		usage()
	}
}

func openRepo(dir string) *strata.Repository {
	if dir == "" {
		fatal("a repository directory is required (-repo)")
	}
	r, err := strata.Open(strata.Config{
		Path:   dir,
		Logger: logging.New(logrus.WarnLevel, os.Stderr),
	})
	if err != nil {
		fatal("opening repository: %v", err)
	}
	return r
}

func resolveParent(r *strata.Repository, store, prefix string) types.NodeID {
	if prefix == "" {
		return types.NullID
	}
	_, id, err := r.Lookup(store, prefix)
	if err != nil {
		fatal("resolving parent %q: %v", prefix, err)
	}
	return id
}

func cmdAppend(ctx context.Context, dir, store, p1, p2 string, link int, file string) {
	r := openRepo(dir)
	defer r.Close()

	var content []byte
	var err error
	if file == "-" {
		content, err = io.ReadAll(os.Stdin)
	} else {
		content, err = os.ReadFile(file)
	}
	if err != nil {
		fatal("reading content: %v", err)
	}

	tx, err := r.Begin(ctx)
	if err != nil {
		fatal("beginning transaction: %v", err)
	}
	rev, id, err := r.Append(tx, store, resolveParent(r, store, p1), resolveParent(r, store, p2), link, content, 0)
	if err != nil {
		tx.Abort()
		fatal("appending: %v", err)
	}
	if err := tx.Commit(); err != nil {
		fatal("committing: %v", err)
	}
	fmt.Printf("appended %s rev %d id %s\n", store, rev, id)
}

func cmdRead(dir, store, policyName, target string) {
	r := openRepo(dir)
	defer r.Close()

	policy, err := types.ParseCensorPolicy(policyName)
	if err != nil {
		fatal("%v", err)
	}
	content, err := r.Read(store, target, policy)
	if err != nil {
		fatal("reading: %v", err)
	}
	os.Stdout.Write(content)
}

func cmdStrip(ctx context.Context, dir, store, revArg string) {
	r := openRepo(dir)
	defer r.Close()

	var rev int
	if _, err := fmt.Sscanf(revArg, "%d", &rev); err != nil {
		fatal("invalid revision %q", revArg)
	}

	tx, err := r.Begin(ctx)
	if err != nil {
		fatal("beginning transaction: %v", err)
	}
	if err := r.Strip(tx, store, rev); err != nil {
		tx.Abort()
		fatal("stripping: %v", err)
	}
	if err := tx.Commit(); err != nil {
		fatal("committing: %v", err)
	}
	fmt.Printf("stripped %s back to %d revisions\n", store, rev)
}

func cmdCensor(ctx context.Context, dir, store string, rev int, tombstone string) {
	r := openRepo(dir)
	defer r.Close()

	tx, err := r.Begin(ctx)
	if err != nil {
		fatal("beginning transaction: %v", err)
	}
	if err := r.Censor(ctx, tx, store, rev, []byte(tombstone)); err != nil {
		tx.Abort()
		fatal("censoring: %v", err)
	}
	if err := tx.Commit(); err != nil {
		fatal("committing: %v", err)
	}
	fmt.Printf("censored %s rev %d\n", store, rev)
}

func cmdHeads(dir string) {
	r := openRepo(dir)
	defer r.Close()

	heads, err := r.VisibleHeads()
	if err != nil {
		fatal("listing heads: %v", err)
	}
	for _, id := range heads {
		fmt.Println(id)
	}
}

func cmdSetVisibility(ctx context.Context, dir string, hide bool, prefixes []string) {
	r := openRepo(dir)
	defer r.Close()

	ids := make([]types.NodeID, 0, len(prefixes))
	for _, p := range prefixes {
		_, id, err := r.Lookup(strata.ChangelogStore, p)
		if err != nil {
			fatal("resolving %q: %v", p, err)
		}
		ids = append(ids, id)
	}

	tx, err := r.Begin(ctx)
	if err != nil {
		fatal("beginning transaction: %v", err)
	}
	if hide {
		err = r.Hide(tx, ids...)
	} else {
		err = r.Unhide(tx, ids...)
	}
	if err != nil {
		tx.Abort()
		fatal("changing visibility: %v", err)
	}
	if err := tx.Commit(); err != nil {
		fatal("committing: %v", err)
	}
	for _, id := range ids {
		fmt.Printf("%s %s\n", map[bool]string{true: "hidden", false: "shown"}[hide], id.Short())
	}
}

func cmdVerify(dir string) {
	r := openRepo(dir)
	defer r.Close()

	counts, err := r.Verify()
	if err != nil {
		fatal("verifying: %v", err)
	}
	total := 0
	for store, corrupt := range counts {
		fmt.Printf("%-20s %d corrupt\n", store, corrupt)
		total += corrupt
	}
	if total > 0 {
		os.Exit(2)
	}
}
