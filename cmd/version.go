package cmd

// Version is stamped at build time:
//
//	go build -ldflags "-X github.com/xkilldash9x/caliper-cli/cmd.Version=1.2.3"
var Version = "0.0.0-dev"
