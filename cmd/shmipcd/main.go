// Command shmipcd is a long-running housekeeper process: it periodically
// sweeps every service it is told about for ports abandoned by crashed
// nodes. Applications that publish or subscribe in-process still work
// without it; shmipcd exists for deployments that want stale-resource
// collection to survive every individual publisher/subscriber process
// exiting.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/zerocopy-ipc/shmipc/cmn/nlog"
	"github.com/zerocopy-ipc/shmipc/hk"
	"github.com/zerocopy-ipc/shmipc/ncr"
	"github.com/zerocopy-ipc/shmipc/node"
	"github.com/zerocopy-ipc/shmipc/svc"
)

var (
	pathHint string
	names    string
	interval time.Duration
)

func init() {
	flag.StringVar(&pathHint, "path-hint", "", "registry path-hint to sweep (default: from config/env)")
	flag.StringVar(&names, "services", "", "comma-separated service names to sweep")
	flag.DurationVar(&interval, "interval", 30*time.Second, "sweep interval")
}

func main() {
	flag.Parse()

	cfg := ncr.Default()
	if pathHint != "" {
		cfg.PathHint = pathHint
	}

	var services []*node.Service
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		sc, err := svc.OpenStaticConfig(name, cfg)
		if err != nil {
			nlog.Errorf("shmipcd: %q: %v", name, err)
			continue
		}
		s, err := node.OpenOrCreate(name, sc, cfg)
		if err != nil {
			nlog.Errorf("shmipcd: %q: %v", name, err)
			continue
		}
		services = append(services, s)
	}
	if len(services) == 0 {
		nlog.Errorln("shmipcd: no services to sweep, exiting")
		os.Exit(1)
	}

	go hk.DefaultHK.Run()
	hk.WaitStarted()
	cancel := node.ScheduleCleanup(services, interval)
	defer cancel()

	nlog.Infof("shmipcd: sweeping %d service(s) every %s", len(services), interval)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	nlog.Infoln("shmipcd: shutting down")
}
