package main

import (
	"os"

	"github.com/bastion-ai/bastion/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
