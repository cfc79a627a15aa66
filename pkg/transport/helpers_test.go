package transport

import (
	"os"
	"path/filepath"
)

func writeFile(root, module, name, content string) error {
	dir := filepath.Join(root, module)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644)
}
