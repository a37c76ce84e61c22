// Package integrity provides deterministic content hashing for agent
// definition snapshots. Attempts store these hashes instead of full
// definition content; a mismatch against the recomputed hash means the
// definition drifted after the attempt was created.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"hash"
	"strconv"

	"github.com/shinka-ai/shinka/model"
)

// writeField appends a 4-byte big-endian length prefix followed by the
// field bytes. Length prefixing avoids delimiter collisions when freeform
// text fields contain separator characters.
func writeField(h hash.Hash, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // prompt sizes are far below 4GiB
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}

// PromptHash produces a SHA-256 hex digest of the definition's prompt
// identity: name plus system prompt.
func PromptHash(def model.AgentDefinition) string {
	h := sha256.New()
	writeField(h, def.Name)
	writeField(h, def.SystemPrompt)
	return hex.EncodeToString(h.Sum(nil))
}

// ConfigHash produces a SHA-256 hex digest of the definition's execution
// configuration: tools, flow, memory, sampling, and constraints. JSON is
// the canonical encoding; struct field order keeps it stable.
func ConfigHash(def model.AgentDefinition) string {
	h := sha256.New()
	tools, _ := json.Marshal(def.Tools)
	flow, _ := json.Marshal(def.Flow)
	memory, _ := json.Marshal(def.Memory)
	constraints, _ := json.Marshal(def.Constraints)
	writeField(h, string(tools))
	writeField(h, string(flow))
	writeField(h, string(memory))
	writeField(h, strconv.FormatFloat(def.Sampling.Temperature, 'f', 10, 64))
	writeField(h, strconv.FormatFloat(def.Sampling.TopP, 'f', 10, 64))
	writeField(h, strconv.Itoa(def.Sampling.MaxTokens))
	writeField(h, string(constraints))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySnapshot checks an attempt's stored hashes against a definition.
func VerifySnapshot(att model.Attempt, def model.AgentDefinition) bool {
	return att.PromptHash == PromptHash(def) && att.ConfigHash == ConfigHash(def)
}
