// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package osutil

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsExist(t *testing.T) {
	if f := os.Args[0]; !IsExist(f) {
		t.Fatalf("executable %v does not exist", f)
	}
	if f := os.Args[0] + "-foo-bar-buz"; IsExist(f) {
		t.Fatalf("file %v exists", f)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "state")
	require.NoError(t, WriteFileAtomic(file, []byte("one")))
	require.NoError(t, WriteFileAtomic(file, []byte("two")))
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
	assert.False(t, IsExist(file+".tmp"))
}

func TestRunTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no sleep binary")
	}
	start := time.Now()
	_, err := RunContext(context.Background(), 100*time.Millisecond, Command("sleep", "10"))
	var verr *VerboseError
	require.True(t, errors.As(err, &verr), "err: %v", err)
	assert.True(t, verr.Timedout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunCanceled(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no sleep binary")
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := RunContext(ctx, time.Hour, Command("sleep", "10"))
	var verr *VerboseError
	require.True(t, errors.As(err, &verr), "err: %v", err)
	assert.True(t, verr.Canceled)
	assert.False(t, verr.Timedout)
}
