package directory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDirectory() *StaticDirectory {
	return NewStaticDirectory(
		[]User{
			{ID: 1, Name: "alice", DeptID: 10, RoleIDs: []uint64{100}, RoleCode: []string{"clerk"}},
			{ID: 2, Name: "bob", DeptID: 10, RoleIDs: []uint64{100, 200}},
			{ID: 3, Name: "carol", DeptID: 20, RoleIDs: []uint64{200}},
		},
		[]Dept{{ID: 10, Name: "finance", LeaderID: 2}, {ID: 20, Name: "legal"}},
	)
}

func TestStaticDirectory(t *testing.T) {
	ctx := context.Background()
	d := testDirectory()

	users, err := d.ResolveUsers(ctx, []uint64{3, 99, 1})
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, uint64(3), users[0].UserID)
	assert.Equal(t, "legal", users[0].DeptName)

	byRole, err := d.UsersByRole(ctx, []uint64{200, 100})
	require.NoError(t, err)
	assert.Len(t, byRole, 3)
	assert.Equal(t, uint64(1), byRole[0].UserID)

	leaders, err := d.DeptLeaders(ctx, []uint64{10, 20, 30})
	require.NoError(t, err)
	require.Len(t, leaders, 1)
	assert.Equal(t, uint64(2), leaders[0].UserID)

	members, err := d.UsersByDept(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	codes, dept, err := d.Roles(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"clerk"}, codes)
	assert.Equal(t, uint64(10), dept)

	_, _, err = d.Roles(ctx, 42)
	assert.Error(t, err)
}

func TestLoadStaticDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dir.yaml")
	doc := "users:\n  - id: 5\n    name: eve\n    dept_id: 1\ndepts:\n  - id: 1\n    name: ops\n    leader_id: 5\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	d, err := LoadStaticDirectory(path)
	require.NoError(t, err)
	leaders, err := d.DeptLeaders(context.Background(), []uint64{1})
	require.NoError(t, err)
	require.Len(t, leaders, 1)
	assert.Equal(t, "eve", leaders[0].Name)
}
