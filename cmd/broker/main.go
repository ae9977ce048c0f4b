// Command broker is the composition root: it wires every core
// component together, starts the two listeners (the cloud-API caller
// surface and the executor message channel), and runs until a signal
// asks it to shut down.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/valyala/fasthttp"

	"github.com/kraklabs/execbroker/cluster"
	"github.com/kraklabs/execbroker/cmn"
	"github.com/kraklabs/execbroker/correlate"
	"github.com/kraklabs/execbroker/dispatch"
	"github.com/kraklabs/execbroker/evict"
	"github.com/kraklabs/execbroker/fs"
	"github.com/kraklabs/execbroker/httpapi"
	"github.com/kraklabs/execbroker/ingest"
	"github.com/kraklabs/execbroker/memsys"
	"github.com/kraklabs/execbroker/orchestrate"
	"github.com/kraklabs/execbroker/registry"
	"github.com/kraklabs/execbroker/replicate"
	"github.com/kraklabs/execbroker/token"
	"github.com/kraklabs/execbroker/wsexec"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON config file (defaults applied for anything it omits)")
	tokenSecret := flag.String("token-secret", "", "HMAC secret for internal download tokens (generated if empty)")
	flag.Parse()

	cfg, err := cmn.LoadConfig(*configPath)
	if err != nil {
		glog.Fatalf("broker: failed to load config: %v", err)
	}
	cfg.TokenSecret = *tokenSecret
	if cfg.TokenSecret == "" {
		cfg.TokenSecret = cmn.GenCommandID()
	}

	store, err := fs.NewStore(cfg.CacheRoot)
	if err != nil {
		glog.Fatalf("broker: failed to init cache store at %s: %v", cfg.CacheRoot, err)
	}
	reg, err := registry.New()
	if err != nil {
		glog.Fatalf("broker: failed to init metadata registry: %v", err)
	}

	nodes := cluster.NewRegistry()
	corr := correlate.NewLayer()
	disp := dispatch.New(nodes, corr, cfg.ExecTimeout)
	mm := memsys.NewMMSA("broker")
	repl := replicate.New(reg, store, mm, disp, nodes)
	orch := orchestrate.New(reg, nodes, repl, disp)
	pipe := ingest.New(store, reg)
	loop := evict.New(reg, store, pipe, cfg.CacheQuotaBytes, cfg.SessionTimeout)
	minter := token.New(cfg.TokenSecret, 24*time.Hour)

	debugTok, err := minter.Mint("debug-cache")
	if err != nil {
		glog.Fatalf("broker: failed to mint debug-cache token: %v", err)
	}
	glog.Infof("broker: GET /debug/cache requires \"Authorization: Bearer %s\"", debugTok)

	api := httpapi.New(cfg, reg, nodes, orch, pipe, disp, loop, minter)
	exec := wsexec.New(nodes, corr, disp)

	go loop.Run(cfg.SweepInterval)
	go runSessionSweeper(pipe, cfg.SessionSweep, cfg.SessionTimeout)

	go func() {
		glog.Infof("broker: caller surface listening on %s", cfg.ListenAddr)
		if err := fasthttp.ListenAndServe(cfg.ListenAddr, api.Handler()); err != nil {
			glog.Fatalf("broker: caller surface listener failed: %v", err)
		}
	}()
	go func() {
		glog.Infof("broker: executor channel listening on %s", cfg.ExecutorAddr)
		if err := http.ListenAndServe(cfg.ExecutorAddr, exec); err != nil {
			glog.Fatalf("broker: executor channel listener failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	glog.Infof("broker: shutting down")
	loop.Stop()
	loop.Shutdown()
	glog.Flush()
}

// runSessionSweeper drops abandoned upload sessions on its own interval,
// independent of the eviction loop's TTL/LRU sweep tick (spec §4.4
// step 3 runs on "session sweep interval", a separate config key from
// "cache sweep interval").
func runSessionSweeper(pipe *ingest.Pipeline, interval, maxAge time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for range t.C {
		pipe.SweepSessions(maxAge)
	}
}
