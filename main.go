package main

import (
	"os"

	"github.com/hyperlab-be/ralph/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
