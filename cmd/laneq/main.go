package main

import (
	"os"

	"github.com/harun/laneq/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
