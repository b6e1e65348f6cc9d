package keystore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"
)

// Signer is the narrow signing capability the transaction core depends on.
// Backends: in-memory seed, encrypted-at-rest store, or external custody.
type Signer interface {
	Address() string
	Sign(tx *txnbuild.Transaction) (*txnbuild.Transaction, error)
}

// MemorySigner holds a parsed keypair in process memory.
type MemorySigner struct {
	kp         *keypair.Full
	passphrase string
}

func NewMemorySigner(seed, networkPassphrase string) (*MemorySigner, error) {
	kp, err := keypair.ParseFull(strings.TrimSpace(seed))
	if err != nil {
		return nil, fmt.Errorf("keystore: parse seed: %w", err)
	}
	return &MemorySigner{kp: kp, passphrase: networkPassphrase}, nil
}

func (s *MemorySigner) Address() string {
	return s.kp.Address()
}

func (s *MemorySigner) Sign(tx *txnbuild.Transaction) (*txnbuild.Transaction, error) {
	return tx.Sign(s.passphrase, s.kp)
}

// StoreSigner loads the named seed from an encrypted Store.
func StoreSigner(store *Store, name, networkPassphrase string) (*MemorySigner, error) {
	if store == nil {
		return nil, errors.New("keystore: store is nil")
	}
	seed, found, err := store.GetSeed(name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("keystore: no seed stored under %q", name)
	}
	return NewMemorySigner(seed, networkPassphrase)
}

// SignFunc asks an external custody backend (HSM, Vault, hardware wallet) to
// sign the base64 transaction envelope and return a base64 signature.
type SignFunc func(txBase64 string) (signatureBase64 string, err error)

// RemoteSigner delegates signing to external custody. The private key never
// enters this process.
type RemoteSigner struct {
	address    string
	passphrase string
	sign       SignFunc
}

func NewRemoteSigner(address, networkPassphrase string, sign SignFunc) (*RemoteSigner, error) {
	if sign == nil {
		return nil, errors.New("keystore: sign func is required")
	}
	if _, err := keypair.ParseAddress(address); err != nil {
		return nil, fmt.Errorf("keystore: parse address: %w", err)
	}
	return &RemoteSigner{address: address, passphrase: networkPassphrase, sign: sign}, nil
}

func (s *RemoteSigner) Address() string {
	return s.address
}

func (s *RemoteSigner) Sign(tx *txnbuild.Transaction) (*txnbuild.Transaction, error) {
	envelope, err := tx.Base64()
	if err != nil {
		return nil, fmt.Errorf("keystore: encode envelope: %w", err)
	}
	sig, err := s.sign(envelope)
	if err != nil {
		return nil, fmt.Errorf("keystore: external signer: %w", err)
	}
	return tx.AddSignatureBase64(s.passphrase, s.address, sig)
}
