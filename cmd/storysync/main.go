package main

import (
	"os"

	"github.com/ha1tch/storysync/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
