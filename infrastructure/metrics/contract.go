package metrics

import "github.com/shellhost/shellhost/infrastructure/registry"

// Contract resolves to the *Metrics collectors in the root scope.
const Contract = registry.ContractID("host.metrics")
