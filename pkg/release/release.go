// Package release describes the installed OS release.
package release

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/Masterminds/semver/v3"
	"github.com/quay/claircore/osrelease"
)

// DefaultPath is where the running image describes itself.
const DefaultPath = "/etc/os-release"

// Release is the running image's identity as published in os-release.
type Release struct {
	ID         string
	PrettyName string
	VariantID  string
	Version    *semver.Version
	BuildID    string
	Arch       string
}

// Parse extracts the release from os-release data. VERSION_ID must be a semantic version and
// VARIANT_ID must be set; arch defaults to the running architecture.
func Parse(ctx context.Context, data []byte, arch string) (*Release, error) {
	osData, err := osrelease.Parse(ctx, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("unable to parse os-release data %w", err)
	}

	version, err := semver.StrictNewVersion(osData["VERSION_ID"])
	if err != nil {
		return nil, fmt.Errorf("os-release VERSION_ID %q: %w", osData["VERSION_ID"], err)
	}
	if osData["VARIANT_ID"] == "" {
		return nil, fmt.Errorf("os-release has no VARIANT_ID")
	}
	if arch == "" {
		arch = Arch(runtime.GOARCH)
	}
	return &Release{
		ID:         osData["ID"],
		PrettyName: osData["PRETTY_NAME"],
		VariantID:  osData["VARIANT_ID"],
		Version:    version,
		BuildID:    osData["BUILD_ID"],
		Arch:       arch,
	}, nil
}

// Load reads the release from an os-release file.
func Load(ctx context.Context, path, arch string) (*Release, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(ctx, data, arch)
}

// Arch maps a Go architecture name onto the name used in the update manifest.
func Arch(goarch string) string {
	switch goarch {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	default:
		return goarch
	}
}
