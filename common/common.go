// Package common holds build-time identifiers shared by the binaries.
package common

var (
	// PackageName is used as the metrics namespace and in log output.
	PackageName = "ledger-router"

	// Version is overridden at build time with -ldflags "-X".
	Version = "dev"
)
