package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/walkthetalk/zircon-sub003/internal/blockio"
	"github.com/walkthetalk/zircon-sub003/internal/blockserver"
	"github.com/walkthetalk/zircon-sub003/internal/config"
	"github.com/walkthetalk/zircon-sub003/internal/driver/memdriver"
	"github.com/walkthetalk/zircon-sub003/internal/fifo"
	"github.com/walkthetalk/zircon-sub003/internal/health"
	"github.com/walkthetalk/zircon-sub003/internal/memregion"
	"github.com/walkthetalk/zircon-sub003/internal/shutdown"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	metricsAddr := flag.String("metrics-addr", "", "Metrics listen address (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	selftest := flag.Bool("selftest", false, "Run a loopback I/O check and exit")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("blockd %s\n", version)
		fmt.Printf("  Commit: %s\n", commit)
		fmt.Printf("  Built:  %s\n", buildDate)
		os.Exit(0)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Msg("Starting blockd")

	opts := config.Options{MetricsAddr: *metricsAddr}
	if *debug {
		opts.LogLevel = "debug"
	}

	cfg, err := config.Load(*configPath, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	device := memdriver.New(memdriver.Config{
		SizeBlocks:        cfg.Device.SizeBlocks,
		BlockSize:         cfg.Device.BlockSize,
		MaxTransferBlocks: cfg.Device.MaxTransferBlocks,
		Workers:           cfg.Device.Workers,
	})

	queue := fifo.New(cfg.Server.QueueDepth)
	srv := blockserver.New(queue, device, blockserver.Config{
		ReadBatch:   cfg.Server.ReadBatch,
		MaxGroups:   cfg.Server.MaxGroups,
		RegionSlots: cfg.Server.RegionSlots,
		DrainPoll:   cfg.Server.DrainPoll,
	})

	checker := health.NewChecker(device, queue)

	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
	coord.RegisterHook(shutdown.PhaseDraining, srv.Shutdown)
	coord.RegisterHook(shutdown.PhaseDevice, func(context.Context) error {
		device.Close()

		return nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		checker.SetReady(true)
		defer checker.SetReady(false)

		return srv.Run(gctx)
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		health.NewHandler(checker).Register(mux)
		ms := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		coord.RegisterHook(shutdown.PhaseHTTP, ms.Shutdown)

		g.Go(func() error {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics endpoint listening")
			if err := ms.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			return nil
		})
	}

	if *selftest {
		g.Go(func() error {
			defer stop()

			return runSelftest(srv, queue, cfg.Device.BlockSize)
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		return coord.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("blockd exited with error")
		os.Exit(1)
	}

	log.Info().Msg("blockd stopped")
}

// runSelftest drives a write/read round trip through the queue the way
// an external client would and checks the data and replies.
func runSelftest(srv *blockserver.Server, queue *fifo.Queue, blockSize uint32) error {
	const blocks = 8

	region := memregion.New(2 * blocks * int(blockSize))

	id, err := srv.AttachRegion(region)
	if err != nil {
		return fmt.Errorf("selftest attach: %w", err)
	}

	payload := bytes.Repeat([]byte("blockd-selftest "), blocks*int(blockSize)/16)
	if err := region.WriteAt(payload, 0); err != nil {
		return fmt.Errorf("selftest fill: %w", err)
	}

	reqs := []blockio.Request{
		{OpFlags: blockio.OpWrite, RequestID: 1, RegionID: id, Length: blocks},
		{OpFlags: blockio.OpRead | blockio.FlagBarrierBefore, RequestID: 2, RegionID: id, Length: blocks, RegionOffset: blocks},
	}
	if err := queue.Write(reqs...); err != nil {
		return fmt.Errorf("selftest submit: %w", err)
	}

	seen := 0
	deadline := time.Now().Add(5 * time.Second)

	for seen < len(reqs) {
		if time.Now().After(deadline) {
			return fmt.Errorf("selftest timed out waiting for replies")
		}

		for _, resp := range queue.TakeResponses() {
			if resp.Status != blockio.StatusOk {
				return fmt.Errorf("selftest request %d failed: %s", resp.RequestID, resp.Status)
			}

			seen++
		}

		time.Sleep(time.Millisecond)
	}

	echo := make([]byte, len(payload))
	if err := region.ReadAt(echo, int64(blocks*blockSize)); err != nil {
		return fmt.Errorf("selftest readback: %w", err)
	}

	if !bytes.Equal(payload, echo) {
		return fmt.Errorf("selftest data mismatch after round trip")
	}

	log.Info().Msg("selftest passed")

	return nil
}
