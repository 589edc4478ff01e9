package ingestion

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"PortfolioLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureHeader carries the caller's command signature on NATS messages
// and HTTP requests.
const SignatureHeader = "Portfolio-Signature"

// ErrUnauthenticated is returned when a command's signature is missing,
// invalid, or does not belong to the caller the payload names.
var ErrUnauthenticated = errors.New("unauthenticated command")

// CommandDigest returns the hash a caller signs: the EIP-191 personal
// message hash of "<command subject token>\n<payload as compact JSON>".
// The command type is part of the message so a signed payload cannot be
// submitted as a different command.
func CommandDigest(ct event.CommandType, payload []byte) []byte {
	var body bytes.Buffer
	if err := json.Compact(&body, payload); err != nil {
		body.Reset()
		body.Write(payload)
	}
	msg := append([]byte(ct.Subject()+"\n"), body.Bytes()...)
	prefix := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

// SignCommand signs payload as a command of type ct and returns the
// 0x-prefixed 65-byte signature.
func SignCommand(key *ecdsa.PrivateKey, ct event.CommandType, payload []byte) (string, error) {
	sig, err := crypto.Sign(CommandDigest(ct, payload), key)
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", ct, err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// RecoverCaller returns the address whose key signed payload as ct.
// Recovery IDs 0/1 and 27/28 are both accepted.
func RecoverCaller(ct event.CommandType, payload []byte, signature string) (common.Address, error) {
	if signature == "" {
		return common.Address{}, fmt.Errorf("%w: missing signature", ErrUnauthenticated)
	}
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: malformed signature", ErrUnauthenticated)
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(CommandDigest(ct, payload), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
