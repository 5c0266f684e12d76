// Package assets holds the static payloads the server copies into remote
// containers: the zsh rc template set and the bundled FTP server tarball.
// All of them are opaque byte blobs to the rest of the code.
package assets

import (
	"embed"
	"fmt"
)

//go:embed templates/zshrc templates/p10k.zsh templates/zsh_history
var templates embed.FS

//go:embed ftp/ftp-server.tar.gz
var ftpTarball []byte

// rcFileMap maps the remote dotfile name to its embedded template path.
// Embedded names cannot start with a dot, so templates are stored undotted.
var rcFileMap = map[string]string{
	".zshrc":       "templates/zshrc",
	".p10k.zsh":    "templates/p10k.zsh",
	".zsh_history": "templates/zsh_history",
}

// RCFileNames returns the remote dotfile names in a stable install order.
func RCFileNames() []string {
	return []string{".zshrc", ".p10k.zsh", ".zsh_history"}
}

// RCFile returns the template contents for one of the names listed by
// RCFileNames.
func RCFile(name string) ([]byte, error) {
	path, ok := rcFileMap[name]
	if !ok {
		return nil, fmt.Errorf("no embedded template for %s", name)
	}
	data, err := templates.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read embedded template %s: %w", path, err)
	}
	return data, nil
}

// FTPServerTarball returns the bundled FTP server archive.
func FTPServerTarball() []byte {
	return ftpTarball
}
