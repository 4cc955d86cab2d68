package main

import (
	"os"

	"github.com/m-jawhar/conduit/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
