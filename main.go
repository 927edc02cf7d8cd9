package main

import (
	"os"

	"docchat/internal/cli"
)

func main() {
	os.Exit(cli.Run())
}
