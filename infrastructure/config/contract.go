package config

import "github.com/shellhost/shellhost/infrastructure/registry"

// Contract resolves to the *Store in the root scope.
const Contract = registry.ContractID("host.config")
