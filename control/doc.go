// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics, configuration loading and debug introspection for
// hioload-echo.
//
// Provides concurrent-safe primitives:
//   - Named atomic counters with point-in-time snapshots
//   - TOML configuration file decoding with unknown-key detection
//   - Probe registration for dumping live runtime state
package control
