package models

import (
	"slices"
	"time"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type User struct {
	ID        string
	FullName  string
	Username  string
	Email     string
	PassHash  []byte
	Roles     []string
	Devices   []string
	IsActive  bool
	IsBanned  bool
	IsDeleted bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (u *User) HasDevice(deviceID string) bool {
	return slices.Contains(u.Devices, deviceID)
}

type ActivationCode struct {
	Code      int
	UserID    string
	ExpiresAt time.Time
	Expired   bool
}
