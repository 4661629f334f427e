package main

import (
	"fmt"
	"os"

	"expertstream/internal/cli"
	"expertstream/pkg/logger"
)

func main() {
	rootCmd := cli.NewRootCmd()
	err := rootCmd.Execute()
	logger.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
