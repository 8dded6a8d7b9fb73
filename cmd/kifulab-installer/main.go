// Kifulab installer - downloads USI engines and evaluation weights
// from a TOML manifest.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hikaet/kifulab/internal/installer"
	"github.com/hikaet/kifulab/internal/storage"
)

func main() {
	var manifestPath, dir string
	flag.StringVar(&manifestPath, "manifest", "manifest.toml", "path to the asset manifest")
	flag.StringVar(&dir, "dir", "", "install directory (default: per-user engine directory)")
	flag.Parse()

	if dir == "" {
		d, err := storage.GetEngineDir()
		if err != nil {
			log.Fatal(err)
		}
		dir = d
	}

	m, err := installer.LoadManifest(manifestPath)
	if err != nil {
		log.Fatal(err)
	}

	var recorder installer.Recorder
	store, err := storage.OpenDefault()
	if err != nil {
		log.Printf("Warning: install log unavailable: %v", err)
	} else {
		recorder = store
		defer store.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ins := &installer.Installer{Dir: dir, Store: recorder}
	res, err := ins.Run(ctx, m)
	if err != nil {
		log.Fatal(err)
	}

	for id, path := range res.Paths {
		fmt.Printf("%-16s %s\n", id, path)
	}
	if res.EnginePath != "" {
		fmt.Printf("\nENGINE_PATH=%s\n", res.EnginePath)
	}
	if res.EvalDir != "" {
		fmt.Printf("ENGINE_EVAL_DIR=%s\n", res.EvalDir)
	}
}
