// Package web3 holds the chain-facing vocabulary shared by the execution
// engine and the network clients: chain aliases and token tables loaded from
// YAML, the signed-transaction envelope handed to the resilient client, and
// the ledger interfaces the dispatcher reads balances and history through.
package web3
