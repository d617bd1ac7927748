package watcher

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"contribution-oracle/internal/util"
)

const word = 32

// registerCall is the decoded payload of an agent-register precompile call:
// name[32], modelHash[32], capCount[32], capCount capability words, and an
// optional trailing beneficiary word.
type registerCall struct {
	Name         string
	ModelHash    string
	Capabilities []string
	Beneficiary  string
}

func decodeRegisterCall(input []byte) (*registerCall, error) {
	if len(input) < 3*word || len(input)%word != 0 {
		return nil, fmt.Errorf("register input length %d", len(input))
	}
	reader := new(wordReader).init(input)

	name := reader.next()
	modelHash := reader.next()
	count := reader.nextUint()
	if count > uint64(len(input)/word) {
		return nil, fmt.Errorf("capability count %d exceeds input", count)
	}
	capabilities := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		capWord, ok := reader.tryNext()
		if !ok {
			return nil, fmt.Errorf("truncated capability list at %d of %d", i, count)
		}
		capabilities = append(capabilities, wordToString(capWord))
	}

	call := &registerCall{
		Name:         wordToString(name),
		ModelHash:    common.BytesToHash(modelHash).Hex(),
		Capabilities: capabilities,
	}
	if trailing, ok := reader.tryNext(); ok {
		call.Beneficiary = util.CanonicalAddress(common.BytesToAddress(trailing).Hex())
	}
	return call, nil
}

// decodeAddressWord extracts the address padded into a single 32-byte slot.
func decodeAddressWord(input []byte) (string, error) {
	if len(input) < word {
		return "", fmt.Errorf("input length %d, want at least %d", len(input), word)
	}
	return util.CanonicalAddress(common.BytesToAddress(input[:word]).Hex()), nil
}

func (c *registerCall) metadataJSON() string {
	meta := map[string]interface{}{
		"name":         c.Name,
		"modelHash":    c.ModelHash,
		"capabilities": c.Capabilities,
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}

// wordToString trims the zero padding of a fixed-width string slot.
func wordToString(w []byte) string {
	return strings.TrimRight(string(w), "\x00")
}

type wordReader struct {
	data   []byte
	offset int
}

func (r *wordReader) init(data []byte) *wordReader {
	r.data = data
	return r
}

func (r *wordReader) next() []byte {
	w, _ := r.tryNext()
	return w
}

func (r *wordReader) tryNext() ([]byte, bool) {
	if r.offset+word > len(r.data) {
		return nil, false
	}
	w := r.data[r.offset : r.offset+word]
	r.offset += word
	return w, true
}

func (r *wordReader) nextUint() uint64 {
	w := r.next()
	var value uint64
	// Only the low 8 bytes matter; a count that large is rejected upstream.
	for _, b := range w[24:] {
		value = value<<8 | uint64(b)
	}
	return value
}
