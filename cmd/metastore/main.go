package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	logs "github.com/danmuck/smplog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/danmuck/dps_sync/cmd/internal/logcfg"
	"github.com/danmuck/dps_sync/src/admin"
	"github.com/danmuck/dps_sync/src/api"
	"github.com/danmuck/dps_sync/src/api/rpc"
	"github.com/danmuck/dps_sync/src/api/transport"
	"github.com/danmuck/dps_sync/src/config"
	"github.com/danmuck/dps_sync/src/meta_store"
	"github.com/danmuck/dps_sync/src/metrics"
)

func main() {
	configPath := flag.String("config", "config.txt", "cluster config file")
	addr := flag.String("addr", "", "TCP listen address (default: metadata address from config)")
	adminAddr := flag.String("admin", "", "HTTP admin address, disabled when empty")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logs.Fatalf(err, "failed to load config")
	}
	logs.Configure(logcfg.Load(cfg.Dir()))
	listen := cfg.Metadata
	if *addr != "" {
		listen = *addr
	}

	shards := make([]api.BlockService, len(cfg.Blocks))
	for i, blockAddr := range cfg.Blocks {
		client := rpc.NewBlockClient(blockAddr)
		defer client.Close()
		shards[i] = client
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ms, err := meta_store.NewMetaStore(shards, metrics.NewMetaMetrics(registry))
	if err != nil {
		logs.Fatalf(err, "failed to init metadata store")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exit := make(chan any)
	handler := transport.NewTCPHandler(listen, rpc.NewMetaHandler(ms), exit)
	if err := handler.ListenAndAccept(); err != nil {
		logs.Fatalf(err, "failed to listen")
	}
	logs.Infof("metadata service listening on %s (%d block shard(s))", handler.Addr(), len(shards))

	if *adminAddr != "" {
		go func() {
			if err := admin.Serve(ctx, *adminAddr, admin.NewMetaMux(ms, registry)); err != nil {
				logs.Errorf(err, "admin server exited")
			}
		}()
	}

	<-ctx.Done()
	logs.Infof("metadata service shutting down")
	close(exit)
	handler.Close()
}
