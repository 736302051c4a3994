// Package main is the entry point for the smartctl CLI.
package main

import (
	"github.com/smart-on-fhir/client-go/cmd"
	"github.com/smart-on-fhir/client-go/internal/config"
	"github.com/smart-on-fhir/client-go/internal/logger"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.LogLevel)

	cmd.Execute(cfg)
}
