package main

import "flag"

type cliFlags struct {
	configPath   string
	logLevel     string
	logFormat    string
	validateOnly bool
	showVersion  bool
}

func parseFlags() *cliFlags {
	flags := &cliFlags{}
	flag.StringVar(&flags.configPath, "config", "", "Path to JSON config file (defaults apply when omitted)")
	flag.StringVar(&flags.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&flags.logFormat, "log-format", "json", "Log format: json or text")
	flag.BoolVar(&flags.validateOnly, "validate", false, "Validate configuration and exit")
	flag.BoolVar(&flags.showVersion, "version", false, "Show version information")
	flag.Parse()
	return flags
}
