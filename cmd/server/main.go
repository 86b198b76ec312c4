package main

import (
	"os"

	"github.com/chadiek/voicecall/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
