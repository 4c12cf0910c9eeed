package keys

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

// BIP-44 path constants for Ethereum: m/44'/60'/account'/0/index.
const (
	purpose  = bip32.FirstHardenedChild + 44
	coinType = bip32.FirstHardenedChild + 60
	external = 0
)

var ErrEmptySeed = errors.New("seed phrase is empty")

// CreateMasterKey builds the BIP-32 master key for a seed phrase.
func CreateMasterKey(mnemonic string) (*bip32.Key, error) {
	if mnemonic == "" {
		return nil, ErrEmptySeed
	}
	return bip32.NewMasterKey(bip39.NewSeed(mnemonic, ""))
}

// GetChildKey walks m/44'/60'/account'/0/index from the master key.
func GetChildKey(master *bip32.Key, account, index uint32) (*bip32.Key, error) {
	path := []uint32{purpose, coinType, bip32.FirstHardenedChild + account, external, index}

	key := master
	for _, step := range path {
		next, err := key.NewChildKey(step)
		if err != nil {
			return nil, fmt.Errorf("failed to derive child key: %w", err)
		}
		key = next
	}
	return key, nil
}

// PrivateKey converts a derived key into an ECDSA key and its address.
func PrivateKey(key *bip32.Key) (*ecdsa.PrivateKey, common.Address, error) {
	privateKey, err := crypto.ToECDSA(key.Key)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("failed to convert to ECDSA: %w", err)
	}
	return privateKey, crypto.PubkeyToAddress(privateKey.PublicKey), nil
}

// Derive returns the signing key at m/44'/60'/account'/0/index for a seed phrase.
func Derive(mnemonic string, account, index uint32) (*ecdsa.PrivateKey, common.Address, error) {
	master, err := CreateMasterKey(mnemonic)
	if err != nil {
		return nil, common.Address{}, err
	}

	child, err := GetChildKey(master, account, index)
	if err != nil {
		return nil, common.Address{}, err
	}

	return PrivateKey(child)
}
