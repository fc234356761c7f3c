package boxedr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveAssets(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	bundled := filepath.Join(base, "dist", "r")
	require.NoError(t, os.MkdirAll(bundled, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "vendor", "r"), 0o755))

	slash := func(p string) string { return filepath.ToSlash(p) + "/" }

	tests := []struct {
		name   string
		cfg    AssetConfig
		want   string
		source AssetSource
	}{
		{
			name:   "override url wins",
			cfg:    AssetConfig{Override: "https://cdn.example/r", BundledDir: bundled},
			want:   "https://cdn.example/r/",
			source: AssetsOverride,
		},
		{
			name:   "override directory",
			cfg:    AssetConfig{Override: bundled},
			want:   slash(bundled),
			source: AssetsOverride,
		},
		{
			name:   "bundled",
			cfg:    AssetConfig{BundledDir: bundled, BaseDir: base},
			want:   slash(bundled),
			source: AssetsBundled,
		},
		{
			name:   "missing bundled falls to candidates",
			cfg:    AssetConfig{BundledDir: filepath.Join(base, "nope"), BaseDir: base},
			want:   slash(filepath.Join(base, "vendor", "r")),
			source: AssetsCandidate,
		},
		{
			name:   "deployment host",
			cfg:    AssetConfig{Candidates: []string{}, DeploymentHost: "app.example.org"},
			want:   "https://app.example.org/r-runtime/",
			source: AssetsDeployment,
		},
		{
			name:   "deployment host with scheme",
			cfg:    AssetConfig{Candidates: []string{}, DeploymentHost: "http://localhost:8080/"},
			want:   "http://localhost:8080/r-runtime/",
			source: AssetsDeployment,
		},
		{
			name:   "public default",
			cfg:    AssetConfig{Candidates: []string{}},
			want:   DefaultPublicAssets,
			source: AssetsDefault,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveAssets(tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Base)
			assert.Equal(t, tt.source, got.Source)
		})
	}
}

func TestResolveAssets_Invalid(t *testing.T) {
	t.Parallel()

	_, err := ResolveAssets(AssetConfig{Override: "https://"})
	assert.ErrorContains(t, err, "asset override")

	_, err = ResolveAssets(AssetConfig{Candidates: []string{}, PublicDefault: "ftp:///x"})
	assert.ErrorContains(t, err, "public default")
}

func TestAssets_IsLocal(t *testing.T) {
	t.Parallel()
	assert.True(t, Assets{Base: "/opt/r/"}.IsLocal())
	assert.False(t, Assets{Base: "https://cdn.example/r/"}.IsLocal())
}
