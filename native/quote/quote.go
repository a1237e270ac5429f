package quote

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"optionsettle/core/types"
)

// DomainV1 is the domain separator bound into every signed RFQ payload.
const DomainV1 = "OPTION_RFQ_V1"

var (
	// ErrNilQuote indicates the submission did not include a quote payload.
	ErrNilQuote = errors.New("quote: quote required")
	// ErrQuoteExpired indicates the validity deadline has passed.
	ErrQuoteExpired = errors.New("quote: validity deadline passed")
	// ErrSignatureInvalid indicates the signature could not be validated by
	// either signer model.
	ErrSignatureInvalid = errors.New("quote: signature invalid")
	// ErrSignerMismatch indicates a recoverable signature from an unexpected key.
	ErrSignerMismatch = errors.New("quote: signer mismatch")
)

// Terms is the full set of option terms bound into the canonical message. A
// quote is only valid for the exact terms it was signed over.
type Terms struct {
	ChainID    uint64
	Underlying types.Asset
	Settlement types.Asset
	Notional   *big.Int
	Strike     *big.Int
	Earliest   int64
	Expiry     int64
}

// Quote carries a signed off-chain premium offer. Signer is the optional
// contract-based validator consulted when direct key recovery does not match
// the expected signer.
type Quote struct {
	Premium    *big.Int
	ValidUntil int64
	Signature  []byte
	Signer     ContractSigner
}

// ContractSigner is the programmatic signer model: multisigs and other
// contract wallets expose a boolean validation entry point instead of a
// recoverable key.
type ContractSigner interface {
	IsValidSignature(digest [32]byte, signature []byte) bool
}

// CanonicalMessage renders the deterministic payload that is hashed and
// signed. Every field is rendered in a fixed order so independently produced
// encodings agree byte for byte.
func CanonicalMessage(terms Terms, premium *big.Int, validUntil int64) (string, error) {
	if terms.Underlying.IsZero() || terms.Settlement.IsZero() {
		return "", fmt.Errorf("quote: option terms require both assets")
	}
	if terms.Notional == nil || terms.Strike == nil {
		return "", fmt.Errorf("quote: option terms require notional and strike")
	}
	if premium == nil {
		return "", fmt.Errorf("quote: premium required")
	}
	builder := strings.Builder{}
	builder.WriteString(DomainV1)
	builder.WriteString("|chain=")
	builder.WriteString(strconv.FormatUint(terms.ChainID, 10))
	builder.WriteString("|underlying=")
	builder.WriteString(hex.EncodeToString(terms.Underlying[:]))
	builder.WriteString("|settlement=")
	builder.WriteString(hex.EncodeToString(terms.Settlement[:]))
	builder.WriteString("|notional=")
	builder.WriteString(terms.Notional.String())
	builder.WriteString("|strike=")
	builder.WriteString(terms.Strike.String())
	builder.WriteString("|earliest=")
	builder.WriteString(strconv.FormatInt(terms.Earliest, 10))
	builder.WriteString("|expiry=")
	builder.WriteString(strconv.FormatInt(terms.Expiry, 10))
	builder.WriteString("|premium=")
	builder.WriteString(premium.String())
	builder.WriteString("|validUntil=")
	builder.WriteString(strconv.FormatInt(validUntil, 10))
	return builder.String(), nil
}

// Hash computes the keccak256 digest of the canonical message.
func Hash(terms Terms, premium *big.Int, validUntil int64) ([32]byte, error) {
	var digest [32]byte
	message, err := CanonicalMessage(terms, premium, validUntil)
	if err != nil {
		return digest, err
	}
	copy(digest[:], ethcrypto.Keccak256([]byte(message)))
	return digest, nil
}

// Verify checks the quote signature against the expected signer at the
// supplied instant. Direct key recovery is tried first; when it does not
// produce the expected signer the contract-based validator, if supplied, is
// consulted. Replay protection is not handled here: consumption is bound to
// the derived escrow's one-shot initialization.
func Verify(q *Quote, terms Terms, expectedSigner [20]byte, now int64) error {
	if q == nil {
		return ErrNilQuote
	}
	if now > q.ValidUntil {
		return ErrQuoteExpired
	}
	digest, err := Hash(terms, q.Premium, q.ValidUntil)
	if err != nil {
		return err
	}

	recovered, recoverErr := recoverSigner(digest, q.Signature)
	if recoverErr == nil && recovered == expectedSigner {
		return nil
	}
	if q.Signer != nil && q.Signer.IsValidSignature(digest, q.Signature) {
		return nil
	}
	if recoverErr == nil {
		return ErrSignerMismatch
	}
	return ErrSignatureInvalid
}

func recoverSigner(digest [32]byte, signature []byte) ([20]byte, error) {
	var signer [20]byte
	if len(signature) != 65 {
		return signer, ErrSignatureInvalid
	}
	pubKey, err := ethcrypto.SigToPub(digest[:], signature)
	if err != nil {
		return signer, ErrSignatureInvalid
	}
	copy(signer[:], ethcrypto.PubkeyToAddress(*pubKey).Bytes())
	return signer, nil
}
