//go:build !unix

package util

import "errors"

func DropPrivileges(username, group, dir string) error {
	if username == "" && group == "" && dir == "" {
		return nil
	}
	return errors.New("dropping privileges is not supported on this platform")
}
