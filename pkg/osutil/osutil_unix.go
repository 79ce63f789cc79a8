// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build freebsd || netbsd || openbsd || linux || darwin

package osutil

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// HandleInterrupts calls stop on the first SIGINT/SIGTERM so that the session can
// finish in-flight validations and write the final checkpoint.
// The second signal reminds that the shutdown is in progress, the third one exits immediately.
func HandleInterrupts(stop func()) {
	go func() {
		c := make(chan os.Signal, 3)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		<-c
		fmt.Fprint(os.Stderr, "interrupted: waiting for in-flight candidates and checkpointing...\n")
		stop()
		<-c
		fmt.Fprint(os.Stderr, "interrupted: still checkpointing, interrupt again to exit without it\n")
		<-c
		fmt.Fprint(os.Stderr, "interrupted: exiting, the session resumes from the last checkpoint\n")
		os.Exit(int(syscall.SIGINT))
	}()
}
