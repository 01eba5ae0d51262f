// Package types defines the core types and interfaces for the RPC Provider Kit.
// It includes provider configuration, the error taxonomy shared by all layers,
// per-call outcome records, and the read-only health/statistics snapshot types
// consumed by dashboards.
package types
