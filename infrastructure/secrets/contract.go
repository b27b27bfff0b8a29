package secrets

import "github.com/shellhost/shellhost/infrastructure/registry"

// Contract resolves to the *Resolver in the root scope.
const Contract = registry.ContractID("host.secrets")
