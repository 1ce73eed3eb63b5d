package main

import (
	"os"

	"github.com/conclave-oss/conclave/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
