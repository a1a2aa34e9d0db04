// Package pool
// Author: momentics <momentics@gmail.com>
//
// Fixed-capacity block memory for socket buffers. Blocks come in a big and
// a small class; a class never grows past its configured count, and an
// exhausted class makes Acquire return nil instead of allocating.
// See block.go for the cursor layout, blockpool.go for the free lists.
package pool
