package main

import (
	"os"

	"github.com/famasya/neural-sequence-labeling/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.New(version).Run(); err != nil {
		os.Exit(1)
	}
}
