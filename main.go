package main

import (
	"os"

	"github.com/bryan-buckman/feedreader/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
