package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadPath loads a schema from a YAML file, a CUE file or a directory
// holding a CUE package.
func LoadPath(path string) (*Registry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", path, err)
	}
	if info.IsDir() {
		return LoadCUEDir(path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAMLFile(path)
	case ".cue":
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", path, err)
		}
		return CompileCUE(src, path)
	}
	return nil, &Error{Code: ErrCodeParse, Message: fmt.Sprintf("unsupported schema file %s", path)}
}
