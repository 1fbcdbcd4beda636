// Package volatile prepares the memory-backed directory secrets are written
// into, so that nothing survives a reboot.
package volatile

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"

	"github.com/brizzbuzz/opnix/internal/errors"
)

// DirMode is applied to the prepared directory: owner full access, group
// traverse and list, others traverse only.
const DirMode os.FileMode = 0751

// Mount is the subset of a mount table entry the preparer looks at.
type Mount struct {
	MountPoint string
	FSType     string
}

// MountTable lists the current mounts.
type MountTable func() ([]Mount, error)

// Mounter mounts a fresh memory-only filesystem at path.
type Mounter func(path string) error

// Preparer creates, mounts, and chowns the volatile directory.
type Preparer struct {
	group  string
	mounts MountTable
	mount  Mounter
	logger *zap.SugaredLogger
}

// Option configures a Preparer.
type Option func(*Preparer)

// WithMountTable replaces the /proc mount table reader.
func WithMountTable(fn MountTable) Option {
	return func(p *Preparer) {
		p.mounts = fn
	}
}

// WithMounter replaces the mount(2) call.
func WithMounter(fn Mounter) Option {
	return func(p *Preparer) {
		p.mount = fn
	}
}

// NewPreparer returns a Preparer that hands the directory to group.
func NewPreparer(group string, logger *zap.SugaredLogger, opts ...Option) *Preparer {
	p := &Preparer{
		group:  group,
		mounts: procMounts,
		mount:  mountRamfs,
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Prepare is idempotent: running it on an already prepared directory leaves
// the mount table and directory metadata unchanged.
func (p *Preparer) Prepare(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return errors.MountError("Preparing volatile directory", path, err)
	}

	path = filepath.Clean(path)
	if !filepath.IsAbs(path) {
		return errors.MountError("Preparing volatile directory", path, fmt.Errorf("path must be absolute"))
	}

	if err := os.MkdirAll(path, DirMode); err != nil {
		return errors.MountError("Creating volatile directory", path, err)
	}
	if err := os.Chmod(path, DirMode); err != nil {
		return errors.MountError("Restricting volatile directory", path, err)
	}

	mounted, err := p.isVolatile(path)
	if err != nil {
		return errors.MountError("Reading mount table", path, err)
	}
	if mounted {
		p.logger.Debugw("volatile directory already mounted", "path", path)
	} else {
		if err := p.mount(path); err != nil {
			return errors.MountError("Mounting ramfs", path, err)
		}
		p.logger.Infow("mounted ramfs", "path", path)
	}

	gid, err := lookupGID(p.group)
	if err != nil {
		return errors.MountError("Resolving volatile directory group", path, err)
	}
	if err := os.Chown(path, -1, gid); err != nil {
		return errors.MountError("Setting volatile directory group", path, err)
	}

	return nil
}

func (p *Preparer) isVolatile(path string) (bool, error) {
	mounts, err := p.mounts()
	if err != nil {
		return false, err
	}
	for _, m := range mounts {
		if filepath.Clean(m.MountPoint) != path {
			continue
		}
		if m.FSType == "ramfs" || m.FSType == "tmpfs" {
			return true, nil
		}
	}
	return false, nil
}

func procMounts() ([]Mount, error) {
	infos, err := procfs.GetMounts()
	if err != nil {
		return nil, err
	}
	mounts := make([]Mount, 0, len(infos))
	for _, info := range infos {
		mounts = append(mounts, Mount{MountPoint: info.MountPoint, FSType: info.FSType})
	}
	return mounts, nil
}

func lookupGID(group string) (int, error) {
	if group == "root" {
		return 0, nil
	}
	if id, err := strconv.Atoi(group); err == nil {
		return id, nil
	}
	g, err := user.LookupGroup(group)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(g.Gid)
}
