package models

import (
	"fmt"
	"strings"
)

// User is a roster entry as returned by the backend.
type User struct {
	ID         int64  `json:"id"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	Level      string `json:"level,omitempty"`
	Bio        string `json:"bio,omitempty"`
	ProfilePic string `json:"profile_pic,omitempty"`
}

// DisplayName returns the full name, falling back to the username and email.
func (u User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	switch {
	case name != "":
		return name
	case u.Username != "":
		return u.Username
	default:
		return u.Email
	}
}

// Merge applies the non-empty fields of update on top of u. The identifier is
// never changed by a merge.
func (u User) Merge(update User) User {
	merged := u
	if update.FirstName != "" {
		merged.FirstName = update.FirstName
	}
	if update.LastName != "" {
		merged.LastName = update.LastName
	}
	if update.Email != "" {
		merged.Email = update.Email
	}
	if update.Username != "" {
		merged.Username = update.Username
	}
	if update.Level != "" {
		merged.Level = update.Level
	}
	if update.Bio != "" {
		merged.Bio = update.Bio
	}
	if update.ProfilePic != "" {
		merged.ProfilePic = update.ProfilePic
	}
	return merged
}

// RoomID derives the conversation identifier for an unordered pair of users.
func RoomID(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("chat_%d_%d", a, b)
}
