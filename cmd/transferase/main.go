// Command transferase is the CLI driver: `server` runs the query
// engine, `server-config` writes a validated server config file,
// `config` writes a client config, and `query` issues a query against a
// running server.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"

	"github.com/andrewdavidsmith/transferase-go/internal/config"
	"github.com/andrewdavidsmith/transferase-go/internal/metrics"
	"github.com/andrewdavidsmith/transferase-go/internal/server"
	"github.com/andrewdavidsmith/transferase-go/internal/wire"
	"github.com/andrewdavidsmith/transferase-go/internal/xlog"
)

const appVersion = "1.0.0"

var (
	configFlag = cli.StringFlag{
		Name:  "config, c",
		Usage: "path to the server configuration `FILE`",
	}

	serverCmd = cli.Command{
		Name:   "server",
		Usage:  "run the methylation query server",
		Flags:  []cli.Flag{configFlag},
		Action: serverHandler,
	}

	serverConfigCmd = cli.Command{
		Name:      "server-config",
		Usage:     "validate and write a server configuration file",
		ArgsUsage: "OUTPUT_FILE",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "hostname", Value: "localhost"},
			cli.UintFlag{Name: "port", Value: 5009},
			cli.StringFlag{Name: "index-dir"},
			cli.StringFlag{Name: "methylome-dir"},
			cli.StringFlag{Name: "log-file"},
			cli.StringFlag{Name: "log-level", Value: "info"},
			cli.UintFlag{Name: "n-threads", Value: config.DefaultNThreads},
			cli.UintFlag{Name: "max-resident", Value: config.DefaultMaxResident},
			cli.UintFlag{Name: "min-bin-size", Value: 100},
			cli.UintFlag{Name: "max-intervals", Value: 2_000_000},
			cli.StringFlag{Name: "pid-file"},
		},
		Action: serverConfigHandler,
	}

	clientConfigCmd = cli.Command{
		Name:  "config",
		Usage: "write a client configuration under the config directory",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "config-dir, c", Usage: "client config `DIR` (default: ~/.config/transferase)"},
			cli.StringFlag{Name: "hostname"},
			cli.UintFlag{Name: "port", Value: 5009},
			cli.StringFlag{Name: "index-dir"},
			cli.StringFlag{Name: "methylome-dir"},
		},
		Action: clientConfigHandler,
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "transferase"
	app.Usage = "serve and query aggregated DNA methylation levels"
	app.Version = appVersion
	app.Commands = []cli.Command{
		serverCmd,
		serverConfigCmd,
		clientConfigCmd,
		queryCmd,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "transferase:", err)
		os.Exit(1)
	}
}

func serverHandler(c *cli.Context) error {
	path := c.String("config")
	if path == "" {
		return fmt.Errorf("missing required flag -c <config>")
	}
	cfg, err := config.ReadServerConfig(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	limits := wire.DefaultLimits
	if cfg.MaxIntervals > 0 {
		limits.MaxIntervals = uint64(cfg.MaxIntervals)
	}
	if cfg.MinBinSize > 0 {
		limits.MinBinSize = uint64(cfg.MinBinSize)
	}

	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)
	srv, err := server.New(server.Config{
		Hostname:     cfg.Hostname,
		Port:         cfg.Port,
		IndexDir:     cfg.IndexDir,
		MethylomeDir: cfg.MethylomeDir,
		NThreads:     int(cfg.NThreads),
		MaxResident:  int(cfg.MaxResident),
		Limits:       limits,
		CommTimeout:  10 * time.Second,
		WorkTimeout:  60 * time.Second,
		PIDFile:      cfg.PIDFile,
	}, reg)
	if err != nil {
		return err
	}
	defer xlog.Sync()
	return srv.Run()
}

func serverConfigHandler(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one OUTPUT_FILE argument")
	}
	cfg := config.ServerConfig{
		Hostname:     c.String("hostname"),
		Port:         uint16(c.Uint("port")),
		IndexDir:     c.String("index-dir"),
		MethylomeDir: c.String("methylome-dir"),
		LogFile:      c.String("log-file"),
		LogLevel:     c.String("log-level"),
		NThreads:     uint32(c.Uint("n-threads")),
		MaxResident:  uint32(c.Uint("max-resident")),
		MinBinSize:   uint32(c.Uint("min-bin-size")),
		MaxIntervals: uint32(c.Uint("max-intervals")),
		PIDFile:      c.String("pid-file"),
	}
	return config.WriteServerConfig(c.Args().First(), cfg)
}

func clientConfigHandler(c *cli.Context) error {
	dir := c.String("config-dir")
	if dir == "" {
		var err error
		dir, err = config.SystemConfigDir()
		if err != nil {
			return err
		}
	}
	cfg := config.ClientConfig{
		Hostname:     c.String("hostname"),
		Port:         uint16(c.Uint("port")),
		IndexDir:     c.String("index-dir"),
		MethylomeDir: c.String("methylome-dir"),
	}
	if cfg.Hostname == "" {
		return fmt.Errorf("missing required flag --hostname")
	}
	return config.WriteClientConfig(dir, cfg)
}
