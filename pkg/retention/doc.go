// Package retention removes finished processes once they have sat in a
// final state for longer than a configured TTL.
package retention
