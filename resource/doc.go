// Package resource models resolved transport endpoints.
//
// An Address pairs the external URI a service was configured with and a bag
// of transport options. Layered protocols are expressed by nesting: a wss://
// address carries an https:// transport address, which in turn carries an
// ssl:// address over tcp://. Addresses are immutable once built and compare
// structurally, so they can be used as map keys through Key.
//
// Options are strongly typed and keyed by protocol Layer rather than by
// formatted string keys, so two layers can never collide on an option name.
package resource
