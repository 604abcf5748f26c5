package chain

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// KeypairSigner signs with a local keypair file. The API server signs
// through the connected wallet instead.
type KeypairSigner struct {
	key solana.PrivateKey
}

func LoadKeypairSigner(path string) (*KeypairSigner, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("load keypair %q: %w", path, err)
	}
	return &KeypairSigner{key: key}, nil
}

func NewKeypairSigner(key solana.PrivateKey) *KeypairSigner {
	return &KeypairSigner{key: key}
}

func (s *KeypairSigner) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

func (s *KeypairSigner) SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if s.key.PublicKey().Equals(key) {
			return &s.key
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return tx, nil
}
