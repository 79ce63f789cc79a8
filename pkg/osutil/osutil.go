// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package osutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

const (
	DefaultDirPerm  = 0755
	DefaultFilePerm = 0644
	DefaultExecPerm = 0755
)

// RunContext runs cmd with the specified timeout and returns combined output.
// If the command fails, err includes output. The command is also killed when ctx is done.
// The whole process group is killed, so children spawned by cmd die with it.
func RunContext(ctx context.Context, timeout time.Duration, cmd *exec.Cmd) ([]byte, error) {
	output := new(bytes.Buffer)
	if cmd.Stdout == nil {
		cmd.Stdout = output
	}
	if cmd.Stderr == nil {
		cmd.Stderr = output
	}
	setPdeathsig(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %v %+v: %w", cmd.Path, cmd.Args, err)
	}
	done := make(chan bool)
	reason := make(chan string, 1)
	timer := time.NewTimer(timeout)
	go func() {
		select {
		case <-timer.C:
			reason <- "timedout"
			KillGroup(cmd)
		case <-ctx.Done():
			reason <- "canceled"
			timer.Stop()
			KillGroup(cmd)
		case <-done:
			reason <- ""
			timer.Stop()
		}
	}()
	err := cmd.Wait()
	close(done)
	why := <-reason
	if err != nil {
		text := fmt.Sprintf("failed to run %q: %v", cmd.Args, err)
		if why != "" {
			text = fmt.Sprintf("%v %q", why, cmd.Args)
		}
		exitCode := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return output.Bytes(), &VerboseError{
			Title:    text,
			Output:   output.Bytes(),
			ExitCode: exitCode,
			Timedout: why == "timedout",
			Canceled: why == "canceled",
		}
	}
	return output.Bytes(), nil
}

// Command is similar to os/exec.Command, but puts the process into its own
// process group and sets PDEATHSIG on linux.
func Command(bin string, args ...string) *exec.Cmd {
	cmd := exec.Command(bin, args...)
	setPdeathsig(cmd)
	return cmd
}

// KillGroup kills cmd and everything in its process group.
func KillGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	killPgroup(cmd)
	cmd.Process.Kill()
}

type VerboseError struct {
	Title    string
	Output   []byte
	ExitCode int
	Timedout bool
	Canceled bool
}

func (err *VerboseError) Error() string {
	if len(err.Output) == 0 {
		return err.Title
	}
	return fmt.Sprintf("%v\n%s", err.Title, err.Output)
}

func PrependContext(ctx string, err error) error {
	var verr *VerboseError
	if errors.As(err, &verr) {
		verr.Title = fmt.Sprintf("%v: %v", ctx, verr.Title)
		return verr
	}
	return fmt.Errorf("%v: %w", ctx, err)
}

// IsExist returns true if the file name exists.
func IsExist(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// LookPath resolves bin in PATH, absolute paths are checked for existence.
func LookPath(bin string) (string, error) {
	if bin == "" {
		return "", fmt.Errorf("empty binary name")
	}
	return exec.LookPath(bin)
}
