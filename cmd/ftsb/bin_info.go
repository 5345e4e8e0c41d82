package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// Filled in at link time with -ldflags "-X main.GitSHA1=... -X main.GitDirty=...".
var (
	GitSHA1  = ""
	GitDirty = "0"
)

// toolGitDirty tells whether the build had uncommitted changes. GitDirty holds the
// number of altered lines.
func toolGitDirty() bool {
	dirtyLines, err := strconv.Atoi(strings.TrimSpace(GitDirty))
	return err == nil && dirtyLines != 0
}

func toolVersion() string {
	dirty := ""
	if toolGitDirty() {
		dirty = "-dirty"
	}
	return fmt.Sprintf("ftsb (git_sha1:%s%s)", GitSHA1, dirty)
}

func (a *app) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			a.printf("%s\n", toolVersion())
		},
	}
}
