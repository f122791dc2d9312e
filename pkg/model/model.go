// Package model defines the core domain rules for kaguyad: nickname and
// channel-name validation shared by the server and its tests.
package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

const (
	MaxNicknameLength    = 32
	MaxChannelNameLength = 64
)

var ErrNicknameEmpty = errors.New("nickname must not be empty")
var ErrNicknameTooLong = fmt.Errorf("nickname must not exceed %d characters", MaxNicknameLength)
var ErrNicknameInvalidChars = errors.New("nickname must contain only alphanumeric characters, underscores, or hyphens")

var ErrChannelNamePrefix = errors.New("channel name must start with '#'")
var ErrChannelNameEmpty = errors.New("channel name must not be empty after '#'")
var ErrChannelNameTooLong = fmt.Errorf("channel name must not exceed %d characters", MaxChannelNameLength)
var ErrChannelNameInvalidChars = errors.New("channel name must not contain spaces, commas, or control characters")

// ValidateNickname checks that a nickname is 1-32 ASCII alphanumeric,
// underscore, or hyphen characters. Returns nil on success or a
// descriptive error.
func ValidateNickname(name string) error {
	if len(name) == 0 {
		return ErrNicknameEmpty
	}
	if len(name) > MaxNicknameLength {
		return ErrNicknameTooLong
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return ErrNicknameInvalidChars
		}
	}
	return nil
}

// ValidateChannelName checks that a channel name starts with '#', is at most
// 64 characters, and contains no whitespace, commas, or control characters.
func ValidateChannelName(name string) error {
	if !strings.HasPrefix(name, "#") {
		return ErrChannelNamePrefix
	}
	if len(name) < 2 {
		return ErrChannelNameEmpty
	}
	if len(name) > MaxChannelNameLength {
		return ErrChannelNameTooLong
	}
	for _, r := range name[1:] {
		if r == ',' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrChannelNameInvalidChars
		}
	}
	return nil
}
