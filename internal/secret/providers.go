package secret

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvProvider resolves a tenant-namespaced environment variable, falling
// back to the bare ref for secrets shared across tenants (operator
// convention, not a spec requirement).
type EnvProvider struct{}

func (p *EnvProvider) Scheme() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, tenantID, ref string) (string, error) {
	if val, ok := os.LookupEnv(tenantID + "__" + ref); ok {
		return val, nil
	}
	if val, ok := os.LookupEnv(ref); ok {
		return val, nil
	}
	return "", fmt.Errorf("environment variable %q not set for tenant %s", ref, tenantID)
}

// FileProvider resolves a secret from a file under a tenant-scoped
// directory; a ref reaching outside its tenant's namespace is
// ErrNotAccessible, not NotFound, per spec.md §7's distinction between the
// two.
type FileProvider struct {
	// BaseDir roots every tenant's namespace; defaults to "/run/secrets/oagw"
	// when empty, consistent with the teacher's file-provider pattern of a
	// fixed mount point for injected secrets.
	BaseDir string
}

func (p *FileProvider) Scheme() string { return "file" }

func (p *FileProvider) Resolve(_ context.Context, tenantID, ref string) (string, error) {
	base := p.BaseDir
	if base == "" {
		base = "/run/secrets/oagw"
	}
	tenantDir := base + "/" + tenantID + "/"
	path := tenantDir + ref
	if strings.Contains(ref, "..") || !strings.HasPrefix(path, tenantDir) {
		return "", ErrNotAccessible
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading secret file %q: %w", path, err)
	}
	return strings.TrimRight(string(data), " \t\r\n"), nil
}
