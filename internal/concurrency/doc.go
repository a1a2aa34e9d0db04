// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Small synchronization helpers shared by the pool, socket and reactor
// packages: a spin lock for short critical sections and the default
// worker count.
package concurrency
