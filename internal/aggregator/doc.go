// Package aggregator groups the HTTP clients of third-party swap and bridge
// aggregators. Each provider lives in its own subpackage and reports
// failures with the shared error codes: transport problems are
// NETWORK_FAILED, "no path" answers are NO_ROUTE.
package aggregator
