package secrets

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/brizzbuzz/opnix/internal/config"
	"github.com/brizzbuzz/opnix/internal/errors"
	"github.com/brizzbuzz/opnix/internal/onepass"
)

// Fetcher resolves a reference to secret bytes.
type Fetcher interface {
	Fetch(ctx context.Context, reference string, encoding onepass.Encoding) ([]byte, error)
}

// Installer materializes secrets as files under a single directory.
//
// The destination file exists with its final owner and mode before any
// secret byte is fetched, and content is swapped in by renaming a file
// that already carries the same owner and mode. At no point is the
// destination more permissive than declared.
type Installer struct {
	dir    string
	logger *zap.SugaredLogger
}

// NewInstaller returns an Installer writing into dir.
func NewInstaller(dir string, logger *zap.SugaredLogger) *Installer {
	return &Installer{
		dir:    dir,
		logger: logger,
	}
}

// Path returns the destination path for a secret.
func (in *Installer) Path(secret config.SecretSpec) string {
	return filepath.Join(in.dir, secret.ID())
}

// Install fetches the secret and writes it to its destination. Existing
// files are always rewritten. On failure a destination created by this
// call is removed again.
func (in *Installer) Install(ctx context.Context, secret config.SecretSpec, store Fetcher) error {
	secretName := secret.ID()
	dest := in.Path(secret)

	mode, err := secret.FileMode()
	if err != nil {
		return err
	}

	uid, gid, err := in.resolveOwnership(secret.Owner, secret.Group, secretName)
	if err != nil {
		return err
	}

	created, err := in.ensureFile(dest, mode, uid, gid, secretName)
	if err != nil {
		return err
	}

	encoding := onepass.EncodingPlain
	if secret.KeyMaterial {
		encoding = onepass.EncodingSSHKey
	}

	value, err := store.Fetch(ctx, secret.Reference, encoding)
	if err != nil {
		in.discard(dest, created)
		if errors.KindOf(err) == errors.KindUnknown {
			err = errors.OnePasswordError(
				fmt.Sprintf("Resolving secret %s", secretName),
				fmt.Sprintf("Failed to resolve 1Password reference: %s", secret.Reference),
				err,
			)
		}
		return err
	}

	if secret.KeyMaterial {
		value = append(value, '\n')
	}

	if err := in.replace(dest, value, mode, uid, gid, secretName); err != nil {
		in.discard(dest, created)
		return err
	}

	in.logger.Infow("secret installed", "path", dest, "mode", fmt.Sprintf("%04o", mode), "owner", secret.Owner, "group", secret.Group)
	return nil
}

// ensureFile creates dest empty with its final owner and mode if it does
// not exist yet, or re-applies owner and mode to an existing file.
func (in *Installer) ensureFile(dest string, mode os.FileMode, uid, gid int, secretName string) (bool, error) {
	if err := os.MkdirAll(in.dir, 0751); err != nil {
		return false, errors.FileOperationError(
			fmt.Sprintf("Creating secret directory for %s", secretName),
			in.dir,
			"Failed to create secret directory",
			err,
		)
	}

	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err == nil {
		// umask may have narrowed the requested bits; fix them while empty.
		if err := applyFile(f, mode, uid, gid); err != nil {
			_ = f.Close()
			_ = os.Remove(dest)
			return false, errors.FileOperationError(
				fmt.Sprintf("Setting ownership for %s", secretName),
				dest,
				"Failed to apply ownership and mode to new secret file",
				err,
			)
		}
		if err := f.Close(); err != nil {
			_ = os.Remove(dest)
			return false, errors.FileOperationError(
				fmt.Sprintf("Creating secret file for %s", secretName),
				dest,
				"Failed to close new secret file",
				err,
			)
		}
		return true, nil
	}

	if !os.IsExist(err) {
		return false, errors.FileOperationError(
			fmt.Sprintf("Creating secret file for %s", secretName),
			dest,
			"Failed to create secret file",
			err,
		)
	}

	info, err := os.Lstat(dest)
	if err != nil {
		return false, errors.FileOperationError(
			fmt.Sprintf("Inspecting secret file for %s", secretName),
			dest,
			"Failed to inspect existing secret file",
			err,
		)
	}
	if !info.Mode().IsRegular() {
		return false, errors.FileOperationError(
			fmt.Sprintf("Inspecting secret file for %s", secretName),
			dest,
			fmt.Sprintf("Destination is not a regular file (%s)", info.Mode().Type()),
			nil,
		)
	}

	if err := os.Chmod(dest, mode); err != nil {
		return false, errors.FileOperationError(
			fmt.Sprintf("Setting mode for %s", secretName),
			dest,
			"Failed to apply mode to existing secret file",
			err,
		)
	}
	if err := os.Lchown(dest, uid, gid); err != nil {
		return false, errors.FileOperationError(
			fmt.Sprintf("Setting ownership for %s", secretName),
			dest,
			fmt.Sprintf("Failed to change ownership to %d:%d", uid, gid),
			err,
		)
	}

	return false, nil
}

// replace writes value to a sibling temp file that already carries the
// final owner and mode, then renames it over dest.
func (in *Installer) replace(dest string, value []byte, mode os.FileMode, uid, gid int, secretName string) error {
	tmp, err := os.CreateTemp(in.dir, "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return errors.FileOperationError(
			fmt.Sprintf("Writing secret file for %s", secretName),
			in.dir,
			"Failed to create temporary file",
			err,
		)
	}
	tmpPath := tmp.Name()

	fail := func(issue string, err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return errors.FileOperationError(
			fmt.Sprintf("Writing secret file for %s", secretName),
			dest,
			issue,
			err,
		)
	}

	if err := applyFile(tmp, mode, uid, gid); err != nil {
		return fail("Failed to apply ownership and mode", err)
	}
	if _, err := tmp.Write(value); err != nil {
		return fail("Failed to write secret to file", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("Failed to sync secret file", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.FileOperationError(
			fmt.Sprintf("Writing secret file for %s", secretName),
			dest,
			"Failed to close secret file",
			err,
		)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return errors.FileOperationError(
			fmt.Sprintf("Writing secret file for %s", secretName),
			dest,
			"Failed to move secret into place",
			err,
		)
	}

	return nil
}

func (in *Installer) discard(dest string, created bool) {
	if !created {
		return
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		in.logger.Warnw("failed to remove empty secret file", "path", dest, "err", err)
	}
}

func applyFile(f *os.File, mode os.FileMode, uid, gid int) error {
	if err := f.Chmod(mode); err != nil {
		return err
	}
	return f.Chown(uid, gid)
}

// resolveOwnership resolves owner and group names to numeric ids. Empty
// names leave the id unchanged (-1).
func (in *Installer) resolveOwnership(owner, group, secretName string) (int, int, error) {
	uid, gid := -1, -1

	if owner != "" {
		id, err := lookupUser(owner)
		if err != nil {
			return 0, 0, errors.UserGroupError(
				fmt.Sprintf("Setting ownership for %s", secretName),
				owner,
				"user",
				getAvailableUsers(),
			)
		}
		uid = id
	}

	if group != "" {
		id, err := lookupGroup(group)
		if err != nil {
			return 0, 0, errors.UserGroupError(
				fmt.Sprintf("Setting ownership for %s", secretName),
				group,
				"group",
				getAvailableGroups(),
			)
		}
		gid = id
	}

	return uid, gid, nil
}

func lookupUser(name string) (int, error) {
	if name == "root" {
		return 0, nil
	}
	if id, err := strconv.Atoi(name); err == nil {
		return id, nil
	}
	u, err := user.Lookup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(u.Uid)
}

func lookupGroup(name string) (int, error) {
	if name == "root" {
		return 0, nil
	}
	if id, err := strconv.Atoi(name); err == nil {
		return id, nil
	}
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(g.Gid)
}

// getAvailableUsers returns a list of common system users for error suggestions
func getAvailableUsers() []string {
	users := []string{"root"}

	for _, username := range []string{"nginx", "caddy", "postgres", "mysql", "redis", "docker"} {
		if _, err := user.Lookup(username); err == nil {
			users = append(users, username)
		}
	}

	return users
}

// getAvailableGroups returns a list of common system groups for error suggestions
func getAvailableGroups() []string {
	groups := []string{"root"}

	for _, groupname := range []string{"keys", "nginx", "caddy", "postgres", "mysql", "redis", "docker", "ssl-cert"} {
		if _, err := user.LookupGroup(groupname); err == nil {
			groups = append(groups, groupname)
		}
	}

	return groups
}
