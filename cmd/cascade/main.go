// cmd/cascade/main.go
//
// Entry point for the cascade release orchestrator.

package main

import (
	"os"

	"github.com/kingrea/cascade/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
