package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/dashboard"
	"github.com/zulandar/switchboard/internal/relay"
	"github.com/zulandar/switchboard/internal/replylog"
)

func newStartCmd() *cobra.Command {
	var flags configFlags

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the relay daemon",
		Long:  "Connects to the configured chat platform, relays user messages to the support group, and routes support replies back.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, &flags)
		},
	}

	flags.register(cmd)
	return cmd
}

func runStart(cmd *cobra.Command, flags *configFlags) error {
	out := cmd.OutOrStdout()

	cfg, err := flags.load()
	if err != nil {
		return err
	}

	gormDB, err := connect(cfg)
	if err != nil {
		return err
	}

	tsv, err := replylog.OpenTSV(cfg.Log.TSVPath)
	if err != nil {
		return err
	}
	defer tsv.Close()
	table, err := replylog.NewTable(gormDB)
	if err != nil {
		return err
	}

	generator, err := createGenerator(cfg)
	if err != nil {
		return err
	}
	transport, err := createTransport(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := relay.NewMetrics(reg)
	if err != nil {
		return err
	}

	daemon, err := relay.NewDaemon(relay.DaemonOpts{
		DB:        gormDB,
		Config:    cfg,
		Transport: transport,
		Log:       replylog.Tee{tsv, table},
		Generator: generator,
		Metrics:   metrics,
		Out:       out,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	statusDone := make(chan struct{})
	if cfg.Status.Enabled {
		go func() {
			defer close(statusDone)
			if err := dashboard.Start(ctx, dashboard.StartOpts{
				DB:       gormDB,
				Port:     cfg.Status.Port,
				Gatherer: reg,
				Out:      out,
			}); err != nil {
				log.Printf("sb: status server: %v", err)
			}
		}()
	} else {
		close(statusDone)
	}

	err = daemon.Run(ctx)
	cancel()
	<-statusDone
	return err
}
