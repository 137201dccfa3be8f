package main

import (
	"github.com/Paintersrp/geark/internal/cli"
	"github.com/Paintersrp/geark/internal/metrics"
)

func main() {
	metrics.EmitBuildInfo()
	cli.Execute()
}
