// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Configuration file loading.

package control

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// LoadTOML decodes the TOML file at path into v, which should already hold
// defaults. Keys unknown to v are rejected.
func LoadTOML(path string, v any) error {
	md, err := toml.DecodeFile(path, v)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config %s: unknown keys %v", path, undecoded)
	}
	return nil
}
