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
	"path"
	"strings"

	"github.com/eth-cscs/firecrest/lib/defaults"
)

// CompressCommand builds a gzipped tar archive of SourcePath at
// TargetPath. With a MatchPattern, matching files are collected through
// find and fed to tar over a null-delimited pipe, cd-ing into the source
// directory first so the recorded names are relative.
type CompressCommand struct {
	SourcePath   string
	TargetPath   string
	MatchPattern string
	Dereference  bool
}

func (c *CompressCommand) Render() string {
	options := ""
	if c.Dereference {
		options = "--dereference"
	}
	sourceDir := path.Dir(c.SourcePath)
	sourceFile := path.Base(c.SourcePath)

	if c.MatchPattern == "" {
		return fmt.Sprintf("timeout %d tar %s -czvf %s -C %s %s",
			defaults.RemoteUtilityTimeout, options,
			Quote(c.TargetPath), Quote(sourceDir), Quote(sourceFile))
	}
	inner := fmt.Sprintf("cd %s; timeout %d find . -type f -regex %s -print0 | tar %s -czvf %s --null --files-from -",
		Quote(sourceDir), defaults.RemoteUtilityTimeout, Quote(c.MatchPattern),
		options, Quote(c.TargetPath))
	return fmt.Sprintf("timeout %d bash -c %s",
		defaults.RemoteUtilityTimeout, Quote(inner))
}

func (c *CompressCommand) Parse(out *Output) (string, error) {
	if out.ExitStatus != 0 {
		return "", ExitError(out)
	}
	return out.Stdout, nil
}

// ExtractCommand unpacks a gzipped tar archive into TargetPath.
type ExtractCommand struct {
	SourcePath string
	TargetPath string
}

func (c *ExtractCommand) Render() string {
	return fmt.Sprintf("timeout %d tar -xzf %s -C %s",
		defaults.RemoteUtilityTimeout, Quote(c.SourcePath), Quote(c.TargetPath))
}

func (c *ExtractCommand) Parse(out *Output) (string, error) {
	if out.ExitStatus != 0 {
		return "", ExitError(out)
	}
	return out.Stdout, nil
}

// CompressScript renders the same tar pipeline as CompressCommand without
// the remote timeout wrapper, for embedding into a transfer job script
// where the scheduler owns the time budget.
func CompressScript(sourcePath, targetPath, matchPattern string, dereference bool) string {
	options := ""
	if dereference {
		options = "--dereference"
	}
	sourceDir := path.Dir(sourcePath)
	sourceFile := path.Base(sourcePath)
	if matchPattern == "" {
		return fmt.Sprintf("tar %s -czvf %s -C %s %s",
			options, Quote(targetPath), Quote(sourceDir), Quote(sourceFile))
	}
	return strings.Join([]string{
		fmt.Sprintf("cd %s", Quote(sourceDir)),
		fmt.Sprintf("find . -type f -regex %s -print0 | tar %s -czvf %s --null --files-from -",
			Quote(matchPattern), options, Quote(targetPath)),
	}, "\n")
}
