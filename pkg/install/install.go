// Package install stages build outputs into a destination root
package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pipewright/pipewright/pkg/buildsys"
	"github.com/pipewright/pipewright/pkg/logger"
	"github.com/pipewright/pipewright/pkg/types"
)

// ErrInstall indicates the install step exited non-zero or the license
// file could not be staged
var ErrInstall = errors.New("install failed")

// Installer stages build outputs and package metadata into a destination
// root that mimics the target system's layout
type Installer struct {
	driver buildsys.Driver
	log    logger.Logger
}

// NewInstaller creates an installer backed by the meta-build driver
func NewInstaller(driver buildsys.Driver, log logger.Logger) *Installer {
	return &Installer{
		driver: driver,
		log:    log.WithStage(string(types.StageInstall)),
	}
}

// Install runs the staged install into destDir and copies the license file
// into the package's share-directory licenses path. Terminal stage: nothing
// consumes its output.
func (i *Installer) Install(ctx context.Context, build *types.BuildTree, destDir, licenseFile, pkg string) (*types.StagingRoot, error) {
	if pkg == "" {
		return nil, fmt.Errorf("%w: no package name configured", ErrInstall)
	}

	if licenseFile == "" {
		licenseFile = filepath.Join(build.SourceDir, "LICENSE")
	}
	if _, err := os.Stat(licenseFile); err != nil {
		return nil, fmt.Errorf("%w: license file: %v", ErrInstall, err)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInstall, err)
	}

	if err := i.driver.Install(ctx, build, destDir); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInstall, err)
	}

	licenseDir := filepath.Join(destDir, build.Options.Prefix, "share", "licenses", pkg)
	target := filepath.Join(licenseDir, filepath.Base(licenseFile))
	if err := copyFile(licenseFile, target); err != nil {
		return nil, fmt.Errorf("%w: staging license: %v", ErrInstall, err)
	}

	i.log.Success("Package staged",
		logger.WithField("destdir", destDir),
		logger.WithField("license", target))

	return &types.StagingRoot{
		Root:      destDir,
		Installed: []string{target},
	}, nil
}

// copyFile copies src to dst, read-only for non-owners
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
