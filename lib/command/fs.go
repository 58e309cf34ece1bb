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
	"regexp"
	"strconv"
	"strings"

	"github.com/eth-cscs/firecrest/lib/defaults"
)

// File is one directory entry as reported by ls.
type File struct {
	Name         string  `json:"name"`
	Type         string  `json:"type"`
	LinkTarget   *string `json:"linkTarget"`
	User         string  `json:"user"`
	Group        string  `json:"group"`
	Permissions  string  `json:"permissions"`
	LastModified string  `json:"lastModified"`
	Size         string  `json:"size"`
}

// LsCommand lists a directory. Names are C-quoted and timestamps use a
// fixed format so the output parses unambiguously.
type LsCommand struct {
	TargetPath  string
	ShowHidden  bool
	NumericUID  bool
	Recursive   bool
	Dereference bool
	// NoRecursion lists the entry itself instead of the directory
	// contents. The mutation commands chain such an ls to report what
	// they produced.
	NoRecursion bool
}

// bare renders the ls invocation without the remote timeout wrapper, for
// use at the tail of && chains.
func (c *LsCommand) bare() string {
	var sb strings.Builder
	sb.WriteString("ls -l --quoting-style=c --time-style='+%Y-%m-%dT%H:%M:%S' ")
	if c.ShowHidden {
		sb.WriteString("-A ")
	}
	if c.NumericUID {
		sb.WriteString("--numeric-uid-gid ")
	}
	if c.NoRecursion {
		sb.WriteString("-d ")
	}
	if c.Recursive {
		sb.WriteString("-R ")
	}
	if c.Dereference {
		sb.WriteString("-L ")
	}
	sb.WriteString("-- ")
	sb.WriteString(Quote(c.TargetPath))
	return sb.String()
}

func (c *LsCommand) Render() string {
	return fmt.Sprintf("timeout %d %s", defaults.RemoteUtilityTimeout, c.bare())
}

func (c *LsCommand) Parse(out *Output) ([]File, error) {
	if out.ExitStatus != 0 {
		return nil, ExitError(out)
	}
	return parseLsOutput(out.Stdout), nil
}

// entry parses the chained single-entry form, returning nil when the
// listing came back empty.
func (c *LsCommand) entry(out *Output) (*File, error) {
	if out.ExitStatus != 0 {
		return nil, ExitError(out)
	}
	files := parseLsOutput(out.Stdout)
	if len(files) == 0 {
		return nil, nil
	}
	return &files[0], nil
}

// lsSectionRe matches the `"./folder":` headers of recursive listings.
var lsSectionRe = regexp.MustCompile(`"(.+)":\n`)

// lsEntryRe matches one `ls -l` row: type+permissions, link count, user,
// group, size, timestamp, then the C-quoted name.
var lsEntryRe = regexp.MustCompile(`^(\S)(\S+)\s+\d+\s+(\S+)\s+(\S+)\s+(\d+)\s+([\dT:-]+)\s+(.+)$`)

func parseLsOutput(stdout string) []File {
	first := lsSectionRe.FindStringIndex(stdout)
	if first == nil || first[0] != 0 {
		return parseLsFolder(stdout, "")
	}

	var files []File
	sections := lsSectionRe.FindAllStringSubmatchIndex(stdout, -1)
	rootPrefix := ""
	for i, section := range sections {
		folder := strings.TrimSuffix(stdout[section[2]:section[3]], "/")
		if i == 0 {
			rootPrefix = folder + "/"
		}
		prefix := strings.TrimPrefix(folder+"/", rootPrefix)
		end := len(stdout)
		if i+1 < len(sections) {
			end = sections[i+1][0]
		}
		files = append(files, parseLsFolder(stdout[section[1]:end], prefix)...)
	}
	return files
}

func parseLsFolder(content, prefix string) []File {
	var files []File
	for _, line := range strings.Split(content, "\n") {
		m := lsEntryRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name, linkTarget, ok := parseQuotedName(m[7])
		if !ok {
			continue
		}
		f := File{
			Name:         prefix + name,
			Type:         m[1],
			User:         m[3],
			Group:        m[4],
			Permissions:  m[2],
			LastModified: m[6],
			Size:         m[5],
		}
		if linkTarget != "" {
			target := linkTarget
			f.LinkTarget = &target
		}
		files = append(files, f)
	}
	return files
}

// parseQuotedName decodes the C-quoted name column, which is either
// `"name"` or `"name" -> "target"` for symlinks.
func parseQuotedName(s string) (name, linkTarget string, ok bool) {
	name, rest, ok := readCQuoted(s)
	if !ok {
		return "", "", false
	}
	if rest == "" {
		return name, "", true
	}
	rest, found := strings.CutPrefix(rest, " -> ")
	if !found {
		return "", "", false
	}
	linkTarget, rest, ok = readCQuoted(rest)
	if !ok || rest != "" {
		return "", "", false
	}
	return name, linkTarget, true
}

func readCQuoted(s string) (string, string, bool) {
	if !strings.HasPrefix(s, `"`) {
		return "", "", false
	}
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			unquoted, err := strconv.Unquote(s[:i+1])
			if err != nil {
				return "", "", false
			}
			return unquoted, s[i+1:], true
		}
	}
	return "", "", false
}

// MkdirCommand creates a directory and reports the created entry.
type MkdirCommand struct {
	TargetPath string
	Parent     bool
}

func (c *MkdirCommand) Render() string {
	options := ""
	if c.Parent {
		options = "-p "
	}
	ls := LsCommand{TargetPath: c.TargetPath, NoRecursion: true}
	return fmt.Sprintf("timeout %d mkdir %s-- %s && %s",
		defaults.RemoteUtilityTimeout, options, Quote(c.TargetPath), ls.bare())
}

func (c *MkdirCommand) Parse(out *Output) (*File, error) {
	ls := LsCommand{TargetPath: c.TargetPath, NoRecursion: true}
	return ls.entry(out)
}

// RmCommand deletes a file or directory tree.
type RmCommand struct {
	TargetPath string
}

func (c *RmCommand) Render() string {
	return fmt.Sprintf("timeout %d rm -r --interactive=never -- %s",
		defaults.RemoteUtilityTimeout, Quote(c.TargetPath))
}

func (c *RmCommand) Parse(out *Output) (struct{}, error) {
	if out.ExitStatus != 0 {
		return struct{}{}, ExitError(out)
	}
	return struct{}{}, nil
}

// SymlinkCommand creates a symbolic link pointing at TargetPath.
type SymlinkCommand struct {
	TargetPath string
	LinkPath   string
}

func (c *SymlinkCommand) Render() string {
	ls := LsCommand{TargetPath: c.TargetPath, NoRecursion: true}
	return fmt.Sprintf("timeout %d ln -s -- %s %s && %s",
		defaults.RemoteUtilityTimeout, Quote(c.TargetPath), Quote(c.LinkPath), ls.bare())
}

func (c *SymlinkCommand) Parse(out *Output) (*File, error) {
	ls := LsCommand{TargetPath: c.TargetPath, NoRecursion: true}
	return ls.entry(out)
}

// ChownCommand changes ownership of an entry and reports the result.
type ChownCommand struct {
	TargetPath string
	Owner      string
	Group      string
}

func (c *ChownCommand) Render() string {
	ls := LsCommand{TargetPath: c.TargetPath, NoRecursion: true}
	return fmt.Sprintf("timeout %d chown -v %s:%s -- %s && %s",
		defaults.RemoteUtilityTimeout, Quote(c.Owner), Quote(c.Group), Quote(c.TargetPath), ls.bare())
}

func (c *ChownCommand) Parse(out *Output) (*File, error) {
	ls := LsCommand{TargetPath: c.TargetPath, NoRecursion: true}
	return ls.entry(out)
}

// ChmodCommand changes the mode bits of an entry and reports the result.
type ChmodCommand struct {
	TargetPath string
	Mode       string
}

func (c *ChmodCommand) Render() string {
	ls := LsCommand{TargetPath: c.TargetPath, NoRecursion: true}
	return fmt.Sprintf("timeout %d chmod -v %s -- %s && %s",
		defaults.RemoteUtilityTimeout, Quote(c.Mode), Quote(c.TargetPath), ls.bare())
}

func (c *ChmodCommand) Parse(out *Output) (*File, error) {
	ls := LsCommand{TargetPath: c.TargetPath, NoRecursion: true}
	return ls.entry(out)
}
