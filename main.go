package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/makotom/nsspeed/client"
	"github.com/makotom/nsspeed/config"
	"github.com/makotom/nsspeed/logging"
	"github.com/makotom/nsspeed/server"
	"github.com/makotom/nsspeed/speedtest"
)

var (
	BuildName       = "\b"
	BuildAnnotation = "git"
)

type ProbeOpts struct {
	testIP4     bool
	testIP6     bool
	uploadBytes int64
}

func printBanner() {
	fmt.Printf("nsspeed %s (%s)\n", BuildName, BuildAnnotation)
}

func printTimestamp() {
	fmt.Println()
	fmt.Printf("At: %s\n", time.Now().Format(time.RFC1123Z))
	fmt.Println()
}

func newServeCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve speed tests to browsers without scripts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.Load(cmd.Flags(), configFile)
			if err != nil {
				return err
			}

			logger, err := logging.New(os.Stderr, conf.LogLevel, conf.LogFormat)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return server.New(conf.ServerConfig(), speedtest.NewClock(), logger).ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Read settings from this YAML file")
	config.RegisterFlags(cmd.Flags())

	return cmd
}

func newProbeCmd() *cobra.Command {
	opts := ProbeOpts{}

	cmd := &cobra.Command{
		Use:   "probe <base-url>",
		Short: "Run one measurement against a server and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			printer := log.New(os.Stdout, "", 0)
			run := func(protocol string) error {
				printTimestamp()
				return client.RunAndPrint(cmd.Context(), printer, client.Options{
					BaseURL:           args[0],
					TransportProtocol: protocol,
					UploadBytes:       opts.uploadBytes,
				})
			}

			// if none specified, pick up a transport protocol automatically
			if !opts.testIP4 && !opts.testIP6 {
				return run("tcp")
			}

			// these options are not mutually exclusive
			if opts.testIP4 {
				if err := run("tcp4"); err != nil {
					return err
				}
			}
			if opts.testIP6 {
				return run("tcp6")
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&opts.testIP4, "ip4", "4", false, "Ensure measurements over IPv4")
	cmd.Flags().BoolVarP(&opts.testIP6, "ip6", "6", false, "Ensure measurements over IPv6")
	cmd.Flags().Int64Var(&opts.uploadBytes, "upload-bytes", client.DefaultUploadBytes, "Size of the upload in bytes")

	return cmd
}

func newRootCmd() *cobra.Command {
	var showVersionAndExit bool

	cmd := &cobra.Command{
		Use:           "nsspeed",
		Short:         "Throughput and latency measurement for browsers without scripts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			printBanner()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if showVersionAndExit {
				return nil
			}
			return cmd.Help()
		},
	}

	cmd.Flags().BoolVar(&showVersionAndExit, "version", false, "Show version information and exit")
	cmd.AddCommand(newServeCmd(), newProbeCmd())

	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		log.New(os.Stderr, "", 0).Printf("Error: %v\n", err)
		os.Exit(1)
	}
}
