// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package hash

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

type Sig [sha1.Size]byte

// Hash hashes the pieces: byte slices and strings are hashed as is,
// everything else is hashed in its JSON form.
func Hash(pieces ...any) Sig {
	h := sha1.New()
	for _, piece := range pieces {
		switch data := piece.(type) {
		case []byte:
			h.Write(data)
		case string:
			h.Write([]byte(data))
		default:
			enc, err := json.Marshal(data)
			if err != nil {
				panic(fmt.Sprintf("failed to serialize %T for hashing: %v", data, err))
			}
			h.Write(enc)
		}
	}
	var sig Sig
	copy(sig[:], h.Sum(nil))
	return sig
}

func String(pieces ...any) string {
	sig := Hash(pieces...)
	return sig.String()
}

func (sig Sig) String() string {
	return hex.EncodeToString(sig[:])
}

// Short returns the first 8 hex digits, good enough for display and file names.
func (sig Sig) Short() string {
	return sig.String()[:8]
}

func FromString(str string) (Sig, error) {
	bin, err := hex.DecodeString(str)
	if err != nil {
		return Sig{}, fmt.Errorf("failed to decode sig '%v': %w", str, err)
	}
	if len(bin) != len(Sig{}) {
		return Sig{}, fmt.Errorf("failed to decode sig '%v': bad len", str)
	}
	var sig Sig
	copy(sig[:], bin)
	return sig, nil
}

func (sig Sig) MarshalText() ([]byte, error) {
	return []byte(sig.String()), nil
}

func (sig *Sig) UnmarshalText(text []byte) error {
	res, err := FromString(string(text))
	if err != nil {
		return err
	}
	*sig = res
	return nil
}
