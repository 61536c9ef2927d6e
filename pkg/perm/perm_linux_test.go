//go:build linux

package perm

import (
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupIDAbsent(t *testing.T) {
	if _, err := user.LookupGroup(groupName); err == nil {
		t.Skip("meshroute group exists on this host")
	}

	_, ok, err := groupID()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetGroupPermNoOpWhenGroupAbsent(t *testing.T) {
	if _, err := user.LookupGroup(groupName); err == nil {
		t.Skip("meshroute group exists on this host")
	}

	f := filepath.Join(t.TempDir(), "edges.yaml")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o600))

	require.NoError(t, SetGroupReadable(f))
	require.NoError(t, SetGroupDir(f))

	info, err := os.Stat(f)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSetGroupPermAppliedWhenGroupPresent(t *testing.T) {
	grp, err := user.LookupGroup(groupName)
	if err != nil {
		t.Skip("meshroute group not found")
	}
	wantGID, err := strconv.Atoi(grp.Gid)
	require.NoError(t, err)

	dir := t.TempDir()
	for _, tc := range []struct {
		call func(string) error
		name string
		mode os.FileMode
	}{
		{name: "dir", call: SetGroupDir, mode: 0o770},
		{name: "readable", call: SetGroupReadable, mode: 0o640},
	} {
		p := filepath.Join(dir, tc.name)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
		require.NoError(t, tc.call(p), tc.name)

		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Equal(t, tc.mode, info.Mode().Perm(), tc.name)
		stat := info.Sys().(*syscall.Stat_t) //nolint:forcetypeassert
		assert.Equal(t, wantGID, int(stat.Gid), tc.name)
	}
}
