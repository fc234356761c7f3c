package boxedr

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// DefaultAssetCandidates are directories, relative to AssetConfig.BaseDir,
// searched for interpreter assets when nothing more specific is configured.
var DefaultAssetCandidates = []string{"r-runtime", "assets/r", "public/webr", "vendor/r"}

// DefaultPublicAssets is the last resort asset location.
const DefaultPublicAssets = "https://webr.r-wasm.org/latest/"

// AssetSource records which rule chose the asset location.
type AssetSource string

const (
	AssetsOverride   AssetSource = "override"
	AssetsBundled    AssetSource = "bundled"
	AssetsCandidate  AssetSource = "candidate"
	AssetsDeployment AssetSource = "deployment"
	AssetsDefault    AssetSource = "default"
)

// AssetConfig configures where interpreter assets (the R installation the
// worker runs from) are looked up.
type AssetConfig struct {
	// Override wins unconditionally when set. It may be a directory or URL.
	Override string

	// BundledDir is a distribution shipped alongside the binary. Used when
	// it exists.
	BundledDir string

	// Candidates are tried in order, relative to BaseDir. Nil means
	// DefaultAssetCandidates.
	Candidates []string

	// BaseDir anchors relative candidates. Defaults to the working
	// directory.
	BaseDir string

	// DeploymentHost, when set, yields https://<host>/r-runtime/.
	DeploymentHost string

	// PublicDefault replaces DefaultPublicAssets.
	PublicDefault string
}

// Assets is a resolved asset location. Base always ends in a slash.
type Assets struct {
	Base   string
	Source AssetSource
}

// IsLocal reports whether Base names a directory rather than a URL.
func (a Assets) IsLocal() bool {
	return !strings.Contains(a.Base, "://")
}

// ResolveAssets walks the fallback chain: explicit override, bundled
// directory, well-known relative candidates, a URL derived from the
// deployment host, and finally the public default.
func ResolveAssets(cfg AssetConfig) (Assets, error) {
	if cfg.Override != "" {
		base, err := normalizeLocation(cfg.Override)
		if err != nil {
			return Assets{}, fmt.Errorf("asset override: %w", err)
		}
		return Assets{Base: base, Source: AssetsOverride}, nil
	}

	if cfg.BundledDir != "" && isDir(cfg.BundledDir) {
		return Assets{Base: dirBase(cfg.BundledDir), Source: AssetsBundled}, nil
	}

	candidates := cfg.Candidates
	if candidates == nil {
		candidates = DefaultAssetCandidates
	}
	for _, c := range candidates {
		p := c
		if !filepath.IsAbs(p) && cfg.BaseDir != "" {
			p = filepath.Join(cfg.BaseDir, p)
		}
		if isDir(p) {
			return Assets{Base: dirBase(p), Source: AssetsCandidate}, nil
		}
	}

	if host := strings.TrimSpace(cfg.DeploymentHost); host != "" {
		if !strings.Contains(host, "://") {
			host = "https://" + host
		}
		base, err := normalizeLocation(strings.TrimRight(host, "/") + "/r-runtime")
		if err != nil {
			return Assets{}, fmt.Errorf("deployment host: %w", err)
		}
		return Assets{Base: base, Source: AssetsDeployment}, nil
	}

	def := cfg.PublicDefault
	if def == "" {
		def = DefaultPublicAssets
	}
	base, err := normalizeLocation(def)
	if err != nil {
		return Assets{}, fmt.Errorf("public default: %w", err)
	}
	return Assets{Base: base, Source: AssetsDefault}, nil
}

func normalizeLocation(loc string) (string, error) {
	if !strings.Contains(loc, "://") {
		return dirBase(loc), nil
	}
	u, err := url.Parse(loc)
	if err != nil {
		return "", err
	}
	if u.Host == "" && u.Scheme != "file" {
		return "", fmt.Errorf("%q has no host", loc)
	}
	return strings.TrimRight(u.String(), "/") + "/", nil
}

func dirBase(dir string) string {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return strings.TrimRight(filepath.ToSlash(dir), "/") + "/"
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
