// Package config loads merlind settings from an optional JSON file, a .env
// file and the process environment, in increasing order of precedence, and
// fills in the operational defaults for RPC retries, engine thresholds and
// storage drivers.
package config
