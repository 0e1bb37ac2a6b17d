package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/edgemesh/miiolink/cmd/miioctl/commands"
)

func main() {
	// Load .env for anything a shell profile didn't already export, logging
	// at debug rather than failing: a missing .env is the common case.
	if err := godotenv.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "[DEBUG] no .env file loaded: %v\n", err)
	}

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
