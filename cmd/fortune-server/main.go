package main

import (
	"fmt"
	"os"

	"github.com/fortunemagnet/fortunemagnet/internal/cli"
)

var version = "dev"

func main() {
	root := cli.NewRootCmd(version)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
