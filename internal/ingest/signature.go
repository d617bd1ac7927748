package ingest

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"contribution-oracle/internal/util"
)

// CanonicalMetricsMessage is the exact byte string agents sign for a
// telemetry report: key order is fixed and the address is lowercased, so both
// sides serialize identically without a canonicalization library.
func CanonicalMetricsMessage(address string, processedTokens uint64, timestamp int64) string {
	return fmt.Sprintf(`{"agent":"%s","processed_tokens":%d,"timestamp":%d}`,
		util.CanonicalAddress(address), processedTokens, timestamp)
}

// RecoverSigner recovers the personal-message signer of message from a hex
// signature and returns its canonical address.
func RecoverSigner(message, signature string) (string, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", fmt.Errorf("decoding signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	// Wallets emit V as 27/28; crypto.SigToPub wants 0/1.
	recovery := make([]byte, len(sig))
	copy(recovery, sig)
	if recovery[crypto.RecoveryIDOffset] >= 27 {
		recovery[crypto.RecoveryIDOffset] -= 27
	}
	pubKey, err := crypto.SigToPub(accounts.TextHash([]byte(message)), recovery)
	if err != nil {
		return "", fmt.Errorf("recovering public key: %w", err)
	}
	return util.CanonicalAddress(crypto.PubkeyToAddress(*pubKey).Hex()), nil
}

// VerifySignedMessage checks that signature over message was produced by
// expected (canonicalized before comparison).
func VerifySignedMessage(message, signature, expected string) error {
	signer, err := RecoverSigner(message, signature)
	if err != nil {
		return err
	}
	if signer != util.CanonicalAddress(expected) {
		return fmt.Errorf("signer %s does not match %s", signer, expected)
	}
	return nil
}
