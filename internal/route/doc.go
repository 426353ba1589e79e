// Package route picks the executable route out of aggregator quotes.
//
// Bridge quotes arrive in one of several shapes. ParseBridgeQuote decodes
// them into an explicit set of variants (auto, manual, deposit, legacy) and
// Select applies a fixed priority; a response matching none of them is a
// NoRoute, never a guess.
package route
