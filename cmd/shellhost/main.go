// Package main provides the module host entry point.
//
// Modules are separately-built units linked into this binary; each one
// registers its entry factory in the table below. The on-disk module
// manifests under the configured module directories select which factories
// participate in a given deployment.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/shellhost/shellhost/infrastructure/host"
	"github.com/shellhost/shellhost/infrastructure/loader"
	"github.com/shellhost/shellhost/pkg/version"
)

// factories is the compiled-in module entry table. Module packages add
// themselves here when linked into the host build.
var factories = map[string]loader.Factory{}

func main() {
	configDir := flag.String("config", ".", "directory holding appsettings files")
	environment := flag.String("env", "", "environment name (development, testing, production)")
	flag.Parse()

	composer := host.New(host.Options{
		Version:     version.Version,
		Environment: *environment,
		ConfigDir:   *configDir,
		Args:        flag.Args(),
		Factories:   factories,
	})

	os.Exit(composer.Run(context.Background()))
}
