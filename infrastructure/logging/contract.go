package logging

import "github.com/shellhost/shellhost/infrastructure/registry"

// Contract resolves to the host *Logger in the root scope. Modules derive
// their own tagged loggers with Named.
const Contract = registry.ContractID("host.logging")
