// Command sead runs a SEA peer over IRC, fetches single resources from
// peers, and hosts a minimal relay for local networks.
package main

import (
	"fmt"
	"os"

	"gopkg.in/urfave/cli.v1"

	"github.com/Zereker/sea/config"
)

var (
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	nameFlag = cli.StringFlag{
		Name:  "name",
		Usage: "nickname and SEA node name",
	}
	serverFlag = cli.StringFlag{
		Name:  "server",
		Usage: "IRC server address (host:port)",
	}
	tlsFlag = cli.BoolFlag{
		Name:  "tls",
		Usage: "connect to the IRC server over TLS",
	}
	channelFlag = cli.StringFlag{
		Name:  "channel",
		Usage: "send every frame to this channel instead of the peer",
	}
	directoryFlag = cli.StringFlag{
		Name:  "directory",
		Usage: "directory served to peers",
	}
	logLevelFlag = cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error",
	}
	logFormatFlag = cli.StringFlag{
		Name:  "log-format",
		Usage: "text, json or zap",
	}
	metricsAddrFlag = cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "serve Prometheus metrics on this address",
	}

	globalFlags = []cli.Flag{
		configFlag,
		nameFlag,
		serverFlag,
		tlsFlag,
		channelFlag,
		directoryFlag,
		logLevelFlag,
		logFormatFlag,
		metricsAddrFlag,
	}
)

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "sead"
	app.Usage = "serve and fetch resources over IRC with the SEA protocol"
	app.Version = "0.1.0"
	app.Flags = globalFlags
	app.Commands = []cli.Command{
		serveCommand,
		getCommand,
		relayCommand,
	}
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration file, the environment and then the
// global flags, in increasing precedence.
func loadConfig(ctx *cli.Context) (config.Config, error) {
	cfg, err := config.Load(ctx.GlobalString(configFlag.Name))
	if err != nil {
		return config.Config{}, err
	}
	applyFlags(ctx, &cfg)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func applyFlags(ctx *cli.Context, cfg *config.Config) {
	if ctx.GlobalIsSet(nameFlag.Name) {
		cfg.Name = ctx.GlobalString(nameFlag.Name)
	}
	if ctx.GlobalIsSet(serverFlag.Name) {
		cfg.Server = ctx.GlobalString(serverFlag.Name)
	}
	if ctx.GlobalIsSet(tlsFlag.Name) {
		cfg.TLS = ctx.GlobalBool(tlsFlag.Name)
	}
	if ctx.GlobalIsSet(channelFlag.Name) {
		cfg.Channel = ctx.GlobalString(channelFlag.Name)
	}
	if ctx.GlobalIsSet(directoryFlag.Name) {
		cfg.Directory = ctx.GlobalString(directoryFlag.Name)
	}
	if ctx.GlobalIsSet(logLevelFlag.Name) {
		cfg.Log.Level = ctx.GlobalString(logLevelFlag.Name)
	}
	if ctx.GlobalIsSet(logFormatFlag.Name) {
		cfg.Log.Format = ctx.GlobalString(logFormatFlag.Name)
	}
	if ctx.GlobalIsSet(metricsAddrFlag.Name) {
		cfg.Metrics.Addr = ctx.GlobalString(metricsAddrFlag.Name)
	}
}
