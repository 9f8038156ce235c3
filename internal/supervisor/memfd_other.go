//go:build !linux

package supervisor

import "os"

// No memfd outside linux. Fall back to a 0600 temp file; it carries injected
// credentials, so cleanup removes it as soon as the child exits.
func prepareRuntimeConfig(name, cfgYAML string) (*runtimeConfigHandoff, error) {
	f, err := os.CreateTemp("", name+"-*.yaml")
	if err != nil {
		return nil, err
	}
	path := f.Name()
	if _, err := f.WriteString(cfgYAML + "\n"); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return &runtimeConfigHandoff{path: path, cleanup: func() { _ = os.Remove(path) }}, nil
}
