/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

package command

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/eth-cscs/firecrest/lib/defaults"
	"github.com/eth-cscs/firecrest/lib/fcerrors"
)

// Stat mirrors the fields of a POSIX stat result that the gateway exposes.
// Times are Unix epoch seconds.
type Stat struct {
	Mode  int64 `json:"mode"`
	Ino   int64 `json:"ino"`
	Dev   int64 `json:"dev"`
	Nlink int64 `json:"nlink"`
	UID   int64 `json:"uid"`
	GID   int64 `json:"gid"`
	Size  int64 `json:"size"`
	Atime int64 `json:"atime"`
	Mtime int64 `json:"mtime"`
	Ctime int64 `json:"ctime"`
}

// StatCommand stats one path with a fixed field format. Dereference
// follows symlinks, which the transfer engine relies on when sizing a
// download source.
type StatCommand struct {
	TargetPath  string
	Dereference bool
}

func (c *StatCommand) Render() string {
	deref := ""
	if c.Dereference {
		deref = "--dereference "
	}
	return fmt.Sprintf("timeout %d stat %s-c '%%f %%i %%d %%h %%u %%g %%s %%X %%Y %%Z' -- %s",
		defaults.RemoteUtilityTimeout, deref, Quote(c.TargetPath))
}

func (c *StatCommand) Parse(out *Output) (*Stat, error) {
	if out.ExitStatus != 0 {
		return nil, ExitError(out)
	}
	fields := strings.Fields(out.Stdout)
	if len(fields) != 10 {
		return nil, fcerrors.NewCommand("Invalid output: %s %s", out.Stdout, out.Stderr)
	}
	// The mode field is hexadecimal, everything else decimal.
	mode, err := strconv.ParseInt(fields[0], 16, 64)
	if err != nil {
		return nil, fcerrors.NewCommand("Invalid output: %s %s", out.Stdout, out.Stderr)
	}
	values := make([]int64, 0, 9)
	for _, field := range fields[1:] {
		v, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fcerrors.NewCommand("Invalid output: %s %s", out.Stdout, out.Stderr)
		}
		values = append(values, v)
	}
	return &Stat{
		Mode:  mode,
		Ino:   values[0],
		Dev:   values[1],
		Nlink: values[2],
		UID:   values[3],
		GID:   values[4],
		Size:  values[5],
		Atime: values[6],
		Mtime: values[7],
		Ctime: values[8],
	}, nil
}

// PosixIdentity is one named uid or gid.
type PosixIdentity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UserInfo is the parsed output of id(1) for the calling user.
type UserInfo struct {
	User   PosixIdentity   `json:"user"`
	Group  PosixIdentity   `json:"group"`
	Groups []PosixIdentity `json:"groups"`
}

// IDCommand reports the remote identity of the logged in user.
type IDCommand struct{}

func (c *IDCommand) Render() string {
	return fmt.Sprintf("timeout %d id", defaults.RemoteUtilityTimeout)
}

func (c *IDCommand) Parse(out *Output) (*UserInfo, error) {
	if out.ExitStatus != 0 {
		return nil, ExitError(out)
	}
	// id prints "uid=1000(alice) gid=100(users) groups=100(users),30(dev)".
	fields := strings.Fields(strings.TrimSpace(out.Stdout))
	if len(fields) < 3 {
		return nil, fcerrors.NewCommand("Invalid output: %s %s", out.Stdout, out.Stderr)
	}
	info := &UserInfo{}
	for _, field := range fields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "uid":
			id, err := parsePosixIdentity(value)
			if err != nil {
				return nil, err
			}
			info.User = *id
		case "gid":
			id, err := parsePosixIdentity(value)
			if err != nil {
				return nil, err
			}
			info.Group = *id
		case "groups":
			for _, group := range strings.Split(value, ",") {
				id, err := parsePosixIdentity(group)
				if err != nil {
					return nil, err
				}
				info.Groups = append(info.Groups, *id)
			}
		}
	}
	return info, nil
}

// parsePosixIdentity decodes one "1000(name)" token.
func parsePosixIdentity(s string) (*PosixIdentity, error) {
	id, rest, ok := strings.Cut(s, "(")
	if !ok || !strings.HasSuffix(rest, ")") {
		return nil, fcerrors.NewCommand("Invalid id output: %s", s)
	}
	return &PosixIdentity{ID: id, Name: strings.TrimSuffix(rest, ")")}, nil
}

// TrueCommand runs true(1), proving the SSH path works end to end. The
// health checker is its only caller.
type TrueCommand struct{}

func (c *TrueCommand) Render() string { return "true" }

func (c *TrueCommand) Parse(out *Output) (struct{}, error) {
	if out.ExitStatus != 0 {
		return struct{}{}, ExitError(out)
	}
	return struct{}{}, nil
}
