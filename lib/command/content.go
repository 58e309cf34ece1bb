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
	"strings"

	"github.com/eth-cscs/firecrest/lib/defaults"
	"github.com/eth-cscs/firecrest/lib/fcerrors"
)

// HeadCommand returns the first part of a file. Bytes and Lines are
// mutually exclusive; SkipTrailing flips the meaning to "everything but the
// last N".
type HeadCommand struct {
	TargetPath   string
	Bytes        int64
	Lines        int64
	SkipTrailing bool
}

func (c *HeadCommand) Render() string {
	options := ""
	sign := ""
	if c.SkipTrailing {
		sign = "-"
	}
	if c.Bytes > 0 {
		options += fmt.Sprintf("--bytes='%s%d' ", sign, c.Bytes)
	}
	if c.Lines > 0 {
		options += fmt.Sprintf("--lines='%s%d' ", sign, c.Lines)
	}
	return fmt.Sprintf("timeout %d head %s-- %s",
		defaults.RemoteUtilityTimeout, options, Quote(c.TargetPath))
}

func (c *HeadCommand) Parse(out *Output) (string, error) {
	if out.ExitStatus != 0 {
		return "", ExitError(out)
	}
	return out.Stdout, nil
}

// TailCommand returns the last part of a file. SkipHeading flips the
// meaning to "everything from position N on".
type TailCommand struct {
	TargetPath  string
	Bytes       int64
	Lines       int64
	SkipHeading bool
}

func (c *TailCommand) Render() string {
	options := ""
	sign := ""
	if c.SkipHeading {
		sign = "+"
	}
	if c.Bytes > 0 {
		options += fmt.Sprintf("--bytes='%s%d' ", sign, c.Bytes)
	}
	if c.Lines > 0 {
		options += fmt.Sprintf("--lines='%s%d' ", sign, c.Lines)
	}
	return fmt.Sprintf("timeout %d tail %s-- %s",
		defaults.RemoteUtilityTimeout, options, Quote(c.TargetPath))
}

func (c *TailCommand) Parse(out *Output) (string, error) {
	if out.ExitStatus != 0 {
		return "", ExitError(out)
	}
	return out.Stdout, nil
}

// ViewCommand reads the head of a file up to the small-operations size
// limit. The gateway never streams more file content than this in one
// request.
type ViewCommand struct {
	TargetPath string
	// MaxBytes caps how much of the file is returned. Zero applies the
	// small-operations default.
	MaxBytes int64
}

func (c *ViewCommand) Render() string {
	maxBytes := c.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaults.MaxOpsFileSize
	}
	return fmt.Sprintf("timeout %d head --bytes %d -- %s",
		defaults.RemoteUtilityTimeout, maxBytes, Quote(c.TargetPath))
}

func (c *ViewCommand) Parse(out *Output) (string, error) {
	if out.ExitStatus != 0 {
		return "", ExitError(out)
	}
	return out.Stdout, nil
}

// Checksum algorithms with a coreutils digest utility on the remote side.
var checksumUtilities = map[string]string{
	"SHA256": "sha256sum",
	"SHA224": "sha224sum",
	"SHA384": "sha384sum",
	"SHA512": "sha512sum",
}

// ChecksumAlgorithms lists the accepted checksum algorithm names.
func ChecksumAlgorithms() []string {
	return []string{"SHA224", "SHA256", "SHA384", "SHA512"}
}

// Checksum is a digest of one file.
type Checksum struct {
	Algorithm string `json:"algorithm"`
	Checksum  string `json:"checksum"`
}

// ChecksumCommand computes a file digest. Algorithm defaults to SHA256.
type ChecksumCommand struct {
	TargetPath string
	Algorithm  string
}

func (c *ChecksumCommand) algorithm() string {
	if c.Algorithm == "" {
		return "SHA256"
	}
	return c.Algorithm
}

func (c *ChecksumCommand) Render() string {
	return fmt.Sprintf("timeout %d %s -- %s",
		defaults.RemoteUtilityTimeout, checksumUtilities[c.algorithm()], Quote(c.TargetPath))
}

func (c *ChecksumCommand) Parse(out *Output) (*Checksum, error) {
	if out.ExitStatus != 0 {
		return nil, ExitError(out)
	}
	// sha256sum prints "<digest>  <name>".
	parts := strings.Fields(out.Stdout)
	if len(parts) != 2 {
		return nil, fcerrors.NewCommand("Invalid output: %s %s", out.Stdout, out.Stderr)
	}
	return &Checksum{Algorithm: c.algorithm(), Checksum: parts[0]}, nil
}

// FileTypeCommand reports the brief file(1) description of an entry.
type FileTypeCommand struct {
	TargetPath string
}

func (c *FileTypeCommand) Render() string {
	return fmt.Sprintf("timeout %d file -b -- %s",
		defaults.RemoteUtilityTimeout, Quote(c.TargetPath))
}

func (c *FileTypeCommand) Parse(out *Output) (string, error) {
	if out.ExitStatus != 0 {
		return "", ExitError(out)
	}
	return strings.TrimSpace(out.Stdout), nil
}

// Base64EncodeCommand reads a file as a single unwrapped base64 line, used
// by the small-file download endpoint so binary content survives the text
// channel.
type Base64EncodeCommand struct {
	TargetPath string
}

func (c *Base64EncodeCommand) Render() string {
	return fmt.Sprintf("timeout %d base64 --wrap=0 -- %s",
		defaults.RemoteUtilityTimeout, Quote(c.TargetPath))
}

func (c *Base64EncodeCommand) Parse(out *Output) (string, error) {
	if out.ExitStatus != 0 {
		return "", ExitError(out)
	}
	return out.Stdout, nil
}

// Base64DecodeCommand writes a file from a base64 payload fed through
// stdin, used by the small-file upload endpoint.
type Base64DecodeCommand struct {
	TargetPath string
}

func (c *Base64DecodeCommand) Render() string {
	return fmt.Sprintf("timeout %d base64 -d > %s",
		defaults.RemoteUtilityTimeout, Quote(c.TargetPath))
}

func (c *Base64DecodeCommand) Parse(out *Output) (struct{}, error) {
	if out.ExitStatus != 0 {
		return struct{}{}, ExitError(out)
	}
	return struct{}{}, nil
}
