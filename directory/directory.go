package directory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/songzhibin97/approval-flow/types"
	"gopkg.in/yaml.v3"
)

// Directory resolves users, role members and department leaders.
type Directory interface {
	ResolveUsers(ctx context.Context, ids []uint64) ([]types.Approver, error)
	UsersByRole(ctx context.Context, roleIDs []uint64) ([]types.Approver, error)
	DeptLeaders(ctx context.Context, deptIDs []uint64) ([]types.Approver, error)
	UsersByDept(ctx context.Context, deptID uint64) ([]types.Approver, error)
	// Roles returns the role codes and the department of a user.
	Roles(ctx context.Context, userID uint64) (codes []string, deptID uint64, err error)
}

// User is a directory entry.
type User struct {
	ID       uint64   `yaml:"id"`
	Name     string   `yaml:"name"`
	DeptID   uint64   `yaml:"dept_id"`
	RoleIDs  []uint64 `yaml:"role_ids"`
	RoleCode []string `yaml:"role_codes"`
}

// Dept is a department with an optional leader.
type Dept struct {
	ID       uint64 `yaml:"id"`
	Name     string `yaml:"name"`
	LeaderID uint64 `yaml:"leader_id"`
}

// StaticDirectory is an in-memory Directory.
type StaticDirectory struct {
	mu    sync.RWMutex
	users map[uint64]User
	depts map[uint64]Dept
}

// NewStaticDirectory creates a directory from users and departments.
func NewStaticDirectory(users []User, depts []Dept) *StaticDirectory {
	d := &StaticDirectory{users: make(map[uint64]User), depts: make(map[uint64]Dept)}
	for _, u := range users {
		d.users[u.ID] = u
	}
	for _, dept := range depts {
		d.depts[dept.ID] = dept
	}
	return d
}

// LoadStaticDirectory reads a YAML file with top-level users and depts.
func LoadStaticDirectory(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", path, err)
	}
	var doc struct {
		Users []User `yaml:"users"`
		Depts []Dept `yaml:"depts"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse directory %s: %w", path, err)
	}
	return NewStaticDirectory(doc.Users, doc.Depts), nil
}

// AddUser inserts or replaces a user.
func (d *StaticDirectory) AddUser(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

func (d *StaticDirectory) approver(u User) types.Approver {
	return types.Approver{UserID: u.ID, DeptID: u.DeptID, Name: u.Name, DeptName: d.depts[u.DeptID].Name}
}

// ResolveUsers returns the known users among ids in the given order.
func (d *StaticDirectory) ResolveUsers(_ context.Context, ids []uint64) ([]types.Approver, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []types.Approver
	for _, id := range ids {
		if u, ok := d.users[id]; ok {
			out = append(out, d.approver(u))
		}
	}
	return out, nil
}

func (d *StaticDirectory) sortedUsers(match func(User) bool) []types.Approver {
	var out []types.Approver
	for _, u := range d.users {
		if match(u) {
			out = append(out, d.approver(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// UsersByRole returns members of any of roleIDs ordered by user id.
func (d *StaticDirectory) UsersByRole(_ context.Context, roleIDs []uint64) ([]types.Approver, error) {
	want := make(map[uint64]bool, len(roleIDs))
	for _, id := range roleIDs {
		want[id] = true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sortedUsers(func(u User) bool {
		for _, r := range u.RoleIDs {
			if want[r] {
				return true
			}
		}
		return false
	}), nil
}

// DeptLeaders returns the leader of each department that has one.
func (d *StaticDirectory) DeptLeaders(_ context.Context, deptIDs []uint64) ([]types.Approver, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []types.Approver
	for _, id := range deptIDs {
		dept, ok := d.depts[id]
		if !ok || dept.LeaderID == 0 {
			continue
		}
		if u, ok := d.users[dept.LeaderID]; ok {
			out = append(out, d.approver(u))
		}
	}
	return out, nil
}

// UsersByDept returns the members of a department ordered by user id.
func (d *StaticDirectory) UsersByDept(_ context.Context, deptID uint64) ([]types.Approver, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sortedUsers(func(u User) bool { return u.DeptID == deptID }), nil
}

// Roles returns the role codes and department of a user.
func (d *StaticDirectory) Roles(_ context.Context, userID uint64) ([]string, uint64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok {
		return nil, 0, fmt.Errorf("unknown user %d", userID)
	}
	return u.RoleCode, u.DeptID, nil
}
