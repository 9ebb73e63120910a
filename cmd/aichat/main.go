// aichat - terminal client for the AI chat service
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/ashureev/aichat/internal/cli"
)

func main() {
	// A missing .env is normal; the environment is used as-is.
	_ = godotenv.Load()

	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
