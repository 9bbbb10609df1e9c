// Package buffer provides the chunked byte queue used for per-connection
// read and write buffering.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package buffer
