package volatile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brizzbuzz/opnix/internal/errors"
)

// fakeHost is an in-memory mount table whose mounter appends to it.
type fakeHost struct {
	table  []Mount
	mounts int
}

func (h *fakeHost) list() ([]Mount, error) {
	return append([]Mount(nil), h.table...), nil
}

func (h *fakeHost) mount(path string) error {
	h.mounts++
	h.table = append(h.table, Mount{MountPoint: path, FSType: "ramfs"})
	return nil
}

func newTestPreparer(h *fakeHost) *Preparer {
	return NewPreparer(strconv.Itoa(os.Getgid()), zap.NewNop().Sugar(),
		WithMountTable(h.list),
		WithMounter(h.mount),
	)
}

func TestPrepareCreatesAndMounts(t *testing.T) {
	host := &fakeHost{table: []Mount{{MountPoint: "/", FSType: "ext4"}}}
	path := filepath.Join(t.TempDir(), "secrets")

	require.NoError(t, newTestPreparer(host).Prepare(context.Background(), path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, DirMode, info.Mode().Perm())
	assert.Equal(t, uint32(os.Getgid()), info.Sys().(*syscall.Stat_t).Gid)
	assert.Equal(t, 1, host.mounts)
}

func TestPrepareIsIdempotent(t *testing.T) {
	host := &fakeHost{}
	path := filepath.Join(t.TempDir(), "secrets")
	p := newTestPreparer(host)

	require.NoError(t, p.Prepare(context.Background(), path))
	first, err := os.Stat(path)
	require.NoError(t, err)
	tableAfterFirst := append([]Mount(nil), host.table...)

	require.NoError(t, p.Prepare(context.Background(), path))
	second, err := os.Stat(path)
	require.NoError(t, err)

	assert.Equal(t, 1, host.mounts, "second run must not mount again")
	assert.Equal(t, tableAfterFirst, host.table)
	assert.Equal(t, first.Mode(), second.Mode())
}

func TestPrepareSkipsExistingTmpfs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets")
	host := &fakeHost{table: []Mount{{MountPoint: path + "/", FSType: "tmpfs"}}}

	require.NoError(t, newTestPreparer(host).Prepare(context.Background(), path))
	assert.Zero(t, host.mounts)
}

func TestPrepareRestrictsExistingDirectory(t *testing.T) {
	host := &fakeHost{}
	path := filepath.Join(t.TempDir(), "secrets")
	require.NoError(t, os.Mkdir(path, 0777))
	require.NoError(t, os.Chmod(path, 0777))

	require.NoError(t, newTestPreparer(host).Prepare(context.Background(), path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, DirMode, info.Mode().Perm())
}

func TestPrepareMountFailure(t *testing.T) {
	p := NewPreparer(strconv.Itoa(os.Getgid()), zap.NewNop().Sugar(),
		WithMountTable(func() ([]Mount, error) { return nil, nil }),
		WithMounter(func(string) error { return fmt.Errorf("operation not permitted") }),
	)

	err := p.Prepare(context.Background(), filepath.Join(t.TempDir(), "secrets"))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindMount), "got %v", err)
}

func TestPrepareUnknownGroup(t *testing.T) {
	host := &fakeHost{}
	p := NewPreparer("no-such-group-opnix", zap.NewNop().Sugar(),
		WithMountTable(host.list),
		WithMounter(host.mount),
	)

	err := p.Prepare(context.Background(), filepath.Join(t.TempDir(), "secrets"))
	assert.True(t, errors.IsKind(err, errors.KindMount))
}

func TestPrepareRejectsRelativePath(t *testing.T) {
	host := &fakeHost{}
	err := newTestPreparer(host).Prepare(context.Background(), "relative/secrets")
	assert.True(t, errors.IsKind(err, errors.KindMount))
	assert.Zero(t, host.mounts)
}
