package capi

import (
	"sort"
	"strings"
)

// User is one channel member as the chat API describes it
type User struct {
	ID         int64
	Name       string
	Flags      []string
	Attributes map[string]string
}

// FlagBits returns the user's legacy flag bitmask
func (u *User) FlagBits() uint32 { return FlagBits(u.Flags) }

// Statstring returns the user's legacy stat-string
func (u *User) Statstring() string { return Statstring(u.Attributes) }

// Directory holds the members of the session's channel. It is owned by the session loop
// and is not safe for concurrent use.
type Directory struct {
	users map[int64]*User
}

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{users: make(map[int64]*User)}
}

// Get looks a user up by id
func (d *Directory) Get(id int64) (*User, bool) {
	u, ok := d.users[id]
	return u, ok
}

// Find looks a user up by name, ignoring case and a leading "*"
func (d *Directory) Find(name string) *User {
	name = strings.TrimPrefix(name, "*")
	for _, u := range d.users {
		if strings.EqualFold(u.Name, name) {
			return u
		}
	}
	return nil
}

// Upsert stores u under its id
func (d *Directory) Upsert(u *User) {
	d.users[u.ID] = u
}

// Remove deletes a user and returns the last stored state
func (d *Directory) Remove(id int64) (*User, bool) {
	u, ok := d.users[id]
	if ok {
		delete(d.users, id)
	}
	return u, ok
}

// Len returns the number of members
func (d *Directory) Len() int { return len(d.users) }

// Users returns all members ordered by id
func (d *Directory) Users() []*User {
	out := make([]*User, 0, len(d.users))
	for _, u := range d.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
