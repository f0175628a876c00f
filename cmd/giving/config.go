package main

import (
	"fmt"

	"github.com/axiomesh/giving/repo"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

var configCMD = &cli.Command{
	Name:  "config",
	Usage: "Inspect and maintain giving.toml",
	Subcommands: []*cli.Command{
		{
			Name:   "generate",
			Usage:  "Write giving.toml with default settings",
			Action: generate,
		},
		{
			Name:   "show",
			Usage:  "Print the effective config, GIVING_* overrides applied",
			Action: show,
		},
		{
			Name:   "check",
			Usage:  "Verify that the config parses and can start a node",
			Action: check,
		},
		{
			Name:   "rewrite-with-env",
			Usage:  "Persist the current GIVING_* overrides into giving.toml",
			Action: rewriteWithEnv,
		},
	},
}

func generate(ctx *cli.Context) error {
	root, err := getRootPath(ctx)
	if err != nil {
		return err
	}
	if repo.Exist(root) {
		fmt.Printf("%s already exists, leaving it untouched\n", root)
		return nil
	}
	if err := repo.CheckWritable(root); err != nil {
		return err
	}
	r := &repo.Repo{Config: repo.DefaultConfig(root)}
	if err := r.Flush(); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", r.ConfigPath())
	return nil
}

func show(ctx *cli.Context) error {
	r, err := openRepo(ctx)
	if err != nil || r == nil {
		return err
	}
	out, err := repo.MarshalConfig(r.Config)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func check(ctx *cli.Context) error {
	r, err := openRepo(ctx)
	if err != nil {
		return cli.Exit(fmt.Sprintf("config does not parse: %v", err), 1)
	}
	if r == nil {
		return nil
	}
	if _, err := parseSettings(r.Config); err != nil {
		return cli.Exit(fmt.Sprintf("config cannot start a node: %v", err), 1)
	}
	fmt.Println("config ok")
	return nil
}

func rewriteWithEnv(ctx *cli.Context) error {
	r, err := openRepo(ctx)
	if err != nil || r == nil {
		return err
	}
	return r.Flush()
}

// openRepo loads an existing repo. It returns nil without an error when there
// is nothing at the repo root yet, so read-only commands never create one.
func openRepo(ctx *cli.Context) (*repo.Repo, error) {
	root, err := getRootPath(ctx)
	if err != nil {
		return nil, err
	}
	if !repo.Exist(root) {
		fmt.Printf("no giving repo at %s, run `giving config generate` first\n", root)
		return nil, nil
	}
	r, err := repo.Load(root)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", root)
	}
	return r, nil
}

func getRootPath(ctx *cli.Context) (string, error) {
	return repo.LoadRepoRootFromEnv(ctx.String("repo"))
}
