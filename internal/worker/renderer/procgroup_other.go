//go:build !unix

package renderer

import "os/exec"

func configureProcessGroup(cmd *exec.Cmd) {}
