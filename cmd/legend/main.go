package main

import (
	"os"

	"github.com/ohdsi-contrib/legend/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
