package watcher

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func padString(s string) []byte {
	buf := make([]byte, word)
	copy(buf, s)
	return buf
}

func padUint(v uint64) []byte {
	buf := make([]byte, word)
	for i := 0; i < 8; i++ {
		buf[word-1-i] = byte(v >> (8 * i))
	}
	return buf
}

func padAddress(hexAddr string) []byte {
	return common.LeftPadBytes(common.HexToAddress(hexAddr).Bytes(), word)
}

func TestDecodeRegisterCall(t *testing.T) {
	var input []byte
	input = append(input, padString("gpu-worker-7")...)
	input = append(input, padString("model-hash")...)
	input = append(input, padUint(2)...)
	input = append(input, padString("inference")...)
	input = append(input, padString("pipeline")...)

	call, err := decodeRegisterCall(input)
	require.NoError(t, err)
	assert.Equal(t, "gpu-worker-7", call.Name)
	assert.Equal(t, []string{"inference", "pipeline"}, call.Capabilities)
	assert.Empty(t, call.Beneficiary)
}

func TestDecodeRegisterCallWithBeneficiary(t *testing.T) {
	beneficiary := "0x00000000000000000000000000000000000000bb"
	var input []byte
	input = append(input, padString("worker")...)
	input = append(input, padString("hash")...)
	input = append(input, padUint(1)...)
	input = append(input, padString("inference")...)
	input = append(input, padAddress(beneficiary)...)

	call, err := decodeRegisterCall(input)
	require.NoError(t, err)
	assert.Equal(t, beneficiary, call.Beneficiary)
}

func TestDecodeRegisterCallMalformed(t *testing.T) {
	cases := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"short", make([]byte, word)},
		{"unaligned", make([]byte, 3*word+5)},
		{"count exceeds input", append(append(padString("n"), padString("h")...), padUint(1000)...)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeRegisterCall(tc.input)
			assert.Error(t, err)
		})
	}
}

func TestDecodeRegisterCallTruncatedCapabilities(t *testing.T) {
	var input []byte
	input = append(input, padString("worker")...)
	input = append(input, padString("hash")...)
	input = append(input, padUint(3)...)
	input = append(input, padString("only-one")...)

	_, err := decodeRegisterCall(input)
	assert.Error(t, err)
}

func TestDecodeAddressWord(t *testing.T) {
	address, err := decodeAddressWord(padAddress("0x00000000000000000000000000000000000000Aa"))
	require.NoError(t, err)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", address)

	_, err = decodeAddressWord([]byte{1, 2, 3})
	assert.Error(t, err)
}
