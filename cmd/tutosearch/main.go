// Package main provides the entry point for the tutosearch CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/tutosearch/cmd/tutosearch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
