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
	"github.com/danmuck/dps_sync/src/api/rpc"
	"github.com/danmuck/dps_sync/src/api/transport"
	"github.com/danmuck/dps_sync/src/block_store"
	"github.com/danmuck/dps_sync/src/config"
	"github.com/danmuck/dps_sync/src/metrics"
)

func main() {
	configPath := flag.String("config", "config.txt", "cluster config file")
	index := flag.Int("index", 0, "shard index in the config's block list")
	addr := flag.String("addr", "", "TCP listen address (default: block<index> address from config)")
	storageDir := flag.String("storage", "", "block storage directory, in memory when empty")
	verify := flag.Bool("verify", true, "reject blocks whose content does not match their hash")
	adminAddr := flag.String("admin", "", "HTTP admin address, disabled when empty")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logs.Fatalf(err, "failed to load config")
	}
	logs.Configure(logcfg.Load(cfg.Dir()))
	listen, err := cfg.BlockAddress(*index)
	if err != nil {
		logs.Fatalf(err, "bad shard index")
	}
	if *addr != "" {
		listen = *addr
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	bsCfg := block_store.DefaultConfig(*storageDir)
	bsCfg.VerifyOnWrite = *verify
	bs, err := block_store.InitBlockStoreWithConfig(bsCfg, metrics.NewShardMetrics(registry, *index))
	if err != nil {
		logs.Fatalf(err, "failed to init block store")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exit := make(chan any)
	handler := transport.NewTCPHandler(listen, rpc.NewBlockHandler(bs), exit)
	if err := handler.ListenAndAccept(); err != nil {
		logs.Fatalf(err, "failed to listen")
	}
	st := bs.Stats()
	logs.Infof("block shard %d listening on %s (storage: %q, %d block(s))", *index, handler.Addr(), *storageDir, st.Blocks)

	if *adminAddr != "" {
		go func() {
			if err := admin.Serve(ctx, *adminAddr, admin.NewShardMux(bs, registry)); err != nil {
				logs.Errorf(err, "admin server exited")
			}
		}()
	}

	<-ctx.Done()
	logs.Infof("block shard %d shutting down", *index)
	close(exit)
	handler.Close()
}
