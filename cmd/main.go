package main

import (
	"os"

	"wine-quiz-live/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
