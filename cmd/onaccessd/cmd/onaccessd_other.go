//go:build !linux

package cmd

import (
	"runtime"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func runOnAccessCmd(cmd *cobra.Command, args []string) error {
	return errors.Errorf("on-access scanning requires fanotify, not available on %s", runtime.GOOS)
}
