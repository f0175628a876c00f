package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/axiomesh/axiom-kit/log"
	"github.com/axiomesh/giving"
	"github.com/axiomesh/giving/repo"
	"github.com/urfave/cli/v2"
)

func start(ctx *cli.Context) error {
	p, err := getRootPath(ctx)
	if err != nil {
		return err
	}
	r, err := repo.Load(p)
	if err != nil {
		return err
	}

	err = log.Initialize(
		log.WithReportCaller(r.Config.Log.ReportCaller),
		log.WithPersist(true),
		log.WithFilePath(filepath.Join(r.Config.RepoRoot, repo.LogsDirName)),
		log.WithFileName(r.Config.Log.Filename),
		log.WithMaxAge(r.Config.Log.MaxAge),
		log.WithRotationTime(r.Config.Log.RotationTime),
	)
	if err != nil {
		return fmt.Errorf("log initialize: %w", err)
	}

	printVersion()

	n, err := buildNode(r, newLogger(r.Config.Log.Level))
	if err != nil {
		return fmt.Errorf("build node error: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	handleShutdown(n, &wg)

	if err := n.Start(ctx.Context); err != nil {
		return fmt.Errorf("start node failed: %w", err)
	}

	fmt.Println("=============Giving is ready=============")

	wg.Wait()

	return nil
}

func printVersion() {
	fmt.Printf("Giving version: %s-%s-%s\n", giving.CurrentVersion, giving.CurrentBranch, giving.CurrentCommit)
	fmt.Printf("App build date: %s\n", giving.BuildDate)
	fmt.Printf("System version: %s\n", giving.Platform)
	fmt.Printf("Golang version: %s\n", giving.GoVersion)
	fmt.Println()
}

func handleShutdown(n *node, wg *sync.WaitGroup) {
	var stop = make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGTERM)
	signal.Notify(stop, syscall.SIGINT)

	go func() {
		<-stop
		fmt.Println("received interrupt signal, shutting down...")
		if err := n.Stop(); err != nil {
			fmt.Println("shutdown error:", err)
		}
		wg.Done()
		os.Exit(0)
	}()
}
