package common

// Version is overridden at build time with -ldflags "-X .../common.Version=..."
var Version = "dev"

// PackageName namespaces Prometheus metrics and log attributes.
const PackageName = "custody_switch"
