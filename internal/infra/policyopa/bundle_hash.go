package policyopa

import (
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	cryptoinfra "signtrust/internal/infra/crypto"
)

type bundleFile struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// BundleHash is the canonical hash over the normative files of a bundle
// directory: rego modules plus data.json and manifest.json.
func BundleHash(dir string) (string, error) {
	return bundleHashFS(os.DirFS(dir))
}

func bundleHashFS(fsys fs.FS) (string, error) {
	var files []bundleFile
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == "." {
			return nil
		}
		base := path.Base(p)
		if d.IsDir() {
			if strings.HasPrefix(base, ".") || base == "vendor" || base == "__MACOSX" {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(base, ".") || !normative(base) {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		files = append(files, bundleFile{Path: p, SHA256: cryptoinfra.SHA256Hex(data)})
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return cryptoinfra.CanonicalHash(map[string]any{"files": files})
}

func normative(base string) bool {
	return base == "data.json" || base == "manifest.json" || strings.HasSuffix(base, ".rego")
}
