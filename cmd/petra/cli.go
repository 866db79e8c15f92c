package main

import "flag"

var (
	flagConfigFile, flagLogLevel, flagKeygenOut string
	flagGops, flagVersion, flagKeygen           bool
)

func cliInit() {
	flag.StringVar(&flagConfigFile, "config", "./petra.yaml", "Path to the YAML configuration document")
	flag.StringVar(&flagLogLevel, "loglevel", "info", "Logging level: debug, info, warn, error")
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.BoolVar(&flagVersion, "version", false, "Show version information and exit")
	flag.BoolVar(&flagKeygen, "keygen", false, "Generate an ed25519 keypair for PETRA_VERIFY_CONFIG and exit")
	flag.StringVar(&flagKeygenOut, "keygen-out", "", "If set with -keygen, write the keypair to this file instead of stdout")
	flag.Parse()
}
