// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, hot-reload, runtime metrics and debug introspection for
// the I/O core:
//   - YAML configuration with defaults and fail-fast validation
//   - Store with reload hooks for the runtime-tunable subset
//   - named counters and collectors
//   - debug probes dumping pool, buffer and socket state
package control
