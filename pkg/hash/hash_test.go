// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package hash

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPieces(t *testing.T) {
	assert.Equal(t, Hash([]byte("abc")), Hash("abc"))
	assert.Equal(t, Hash("a", "bc"), Hash("ab", "c"))
	assert.NotEqual(t, Hash([]string{"a"}), Hash("a"))
	// sha1("abc")
	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", String("abc"))
}

func TestFromString(t *testing.T) {
	sig := Hash("crash")
	res, err := FromString(sig.String())
	require.NoError(t, err)
	assert.Equal(t, sig, res)
	_, err = FromString("abcd")
	assert.Error(t, err)
	_, err = FromString("not hex")
	assert.Error(t, err)
}

func TestSigJSON(t *testing.T) {
	in := map[Sig]int{Hash("a"): 1, Hash("b"): 2}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	var out map[Sig]int
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}
