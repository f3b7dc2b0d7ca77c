// Package chain houses blockchain connectivity utilities: the client
// abstraction used by the delegation and swap layers, multi-chain
// configuration helpers, and receipt polling. It lets the scheduler talk to
// any configured EVM network uniformly, whether the rule executes on a
// single chain or bridges between two.
package chain
