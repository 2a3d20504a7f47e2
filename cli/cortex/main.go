package main

import (
	"os"

	cortexcmder "github.com/papercomputeco/cortex/cmd/cortex"
)

func main() {
	cmd := cortexcmder.NewCortexCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
