package cryptoprim

import (
	"fmt"

	"github.com/cosmos/go-bip39"
)

// RecoveryEntropyBits is the BIP-39 entropy size for recovery phrase
// generation (spec §4.1: "128 bits of entropy mapped through the BIP-39
// English wordlist").
const RecoveryEntropyBits = 128

// SeedSize is the number of bytes of the BIP-39 seed actually used as the
// recovery key (spec §4.1: "first 32 bytes of PBKDF2-SHA512 output").
const SeedSize = 32

// NewRecoveryPhrase generates a fresh BIP-39 mnemonic and its derived
// 32-byte seed.
func NewRecoveryPhrase() (phrase string, seed []byte, err error) {
	entropy, err := bip39.NewEntropy(RecoveryEntropyBits)
	if err != nil {
		return "", nil, fmt.Errorf("cryptoprim: generating entropy: %w", err)
	}

	phrase, err = bip39.NewMnemonic(entropy)
	if err != nil {
		return "", nil, fmt.Errorf("cryptoprim: generating mnemonic: %w", err)
	}

	seed, err = SeedFromPhrase(phrase)
	if err != nil {
		return "", nil, err
	}
	return phrase, seed, nil
}

// SeedFromPhrase validates phrase and derives its 32-byte recovery seed.
func SeedFromPhrase(phrase string) ([]byte, error) {
	if !bip39.IsMnemonicValid(phrase) {
		return nil, fmt.Errorf("cryptoprim: invalid recovery phrase")
	}

	full, err := bip39.NewSeedWithErrorChecking(phrase, "")
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: deriving seed: %w", err)
	}
	return full[:SeedSize], nil
}
