package main

import (
	"symrun/internal/cli"
	"symrun/internal/metrics"
)

func main() {
	metrics.EmitBuildInfo()
	cli.Execute()
}
