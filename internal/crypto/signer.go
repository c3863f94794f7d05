package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ExchangeAddress is the Polymarket CTF Exchange contract on Polygon, the
// verifying contract of order signatures.
const ExchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"

// --------------------------------------------------------------------------
// EIP-712 type hashes (keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

var (
	authDomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)
	exchangeDomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)
	clobAuthTypeHash = ethcrypto.Keccak256(
		[]byte("ClobAuth(address address,string timestamp,uint256 nonce,string message)"),
	)
	orderTypeHash = ethcrypto.Keccak256(
		[]byte("Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"),
	)
)

// clobAuthMessage is the fixed attestation text of the ClobAuth struct.
const clobAuthMessage = "This message attests that I control the given wallet"

// OrderPayload holds the 12 signed fields of a CLOB order. Large integers
// are decimal strings.
type OrderPayload struct {
	Salt          string
	Maker         string
	Signer        string
	Taker         string
	TokenID       string
	MakerAmount   string
	TakerAmount   string
	Expiration    string
	Nonce         string
	FeeRateBps    string
	Side          int // 0 = BUY, 1 = SELL
	SignatureType int // 0 = EOA, 1 = POLY_PROXY, 2 = POLY_GNOSIS_SAFE
}

// Signer provides EIP-712 signing for the Polymarket CLOB API.
type Signer struct {
	privateKey  *ecdsa.PrivateKey
	address     common.Address
	chainID     int
	authDomain  []byte
	orderDomain []byte
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key and
// the target chain ID (137 for Polygon mainnet).
func NewSigner(privateKeyHex string, chainID int) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	chain := big.NewInt(int64(chainID))
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    chainID,
		authDomain: ethcrypto.Keccak256(concatBytes(
			authDomainTypeHash,
			ethcrypto.Keccak256([]byte("ClobAuthDomain")),
			ethcrypto.Keccak256([]byte("1")),
			word(chain),
		)),
		orderDomain: ethcrypto.Keccak256(concatBytes(
			exchangeDomainTypeHash,
			ethcrypto.Keccak256([]byte("Polymarket CTF Exchange")),
			ethcrypto.Keccak256([]byte("1")),
			word(chain),
			addressWord(common.HexToAddress(ExchangeAddress)),
		)),
	}, nil
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignAuthMessage signs the ClobAuth message used for L1 authentication.
func (s *Signer) SignAuthMessage(address string, timestamp, nonce int64) (string, error) {
	structHash := ethcrypto.Keccak256(concatBytes(
		clobAuthTypeHash,
		addressWord(common.HexToAddress(address)),
		ethcrypto.Keccak256([]byte(fmt.Sprintf("%d", timestamp))),
		word(big.NewInt(nonce)),
		ethcrypto.Keccak256([]byte(clobAuthMessage)),
	))
	return s.signDigest(eip712Hash(s.authDomain, structHash))
}

// SignOrder signs an order against the exchange domain and returns the
// 65-byte signature as 0x-prefixed hex.
func (s *Signer) SignOrder(order OrderPayload) (string, error) {
	structHash, err := orderStructHash(order)
	if err != nil {
		return "", err
	}
	return s.signDigest(eip712Hash(s.orderDomain, structHash))
}

// eip712Hash computes keccak256("\x19\x01" || domainSeparator || structHash).
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(concatBytes([]byte{0x19, 0x01}, domainSep, structHash))
}

// signDigest signs a 32-byte digest and returns r || s || v with v in {27,28}.
func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

func orderStructHash(o OrderPayload) ([]byte, error) {
	fields := []struct {
		name, value string
	}{
		{"salt", o.Salt},
		{"tokenId", o.TokenID},
		{"makerAmount", o.MakerAmount},
		{"takerAmount", o.TakerAmount},
		{"expiration", o.Expiration},
		{"nonce", o.Nonce},
		{"feeRateBps", o.FeeRateBps},
	}
	ints := make(map[string]*big.Int, len(fields))
	for _, f := range fields {
		n, ok := new(big.Int).SetString(f.value, 10)
		if !ok {
			return nil, fmt.Errorf("crypto/signer: invalid %s %q", f.name, f.value)
		}
		ints[f.name] = n
	}

	return ethcrypto.Keccak256(concatBytes(
		orderTypeHash,
		word(ints["salt"]),
		addressWord(common.HexToAddress(o.Maker)),
		addressWord(common.HexToAddress(o.Signer)),
		addressWord(common.HexToAddress(o.Taker)),
		word(ints["tokenId"]),
		word(ints["makerAmount"]),
		word(ints["takerAmount"]),
		word(ints["expiration"]),
		word(ints["nonce"]),
		word(ints["feeRateBps"]),
		word(big.NewInt(int64(o.Side))),
		word(big.NewInt(int64(o.SignatureType))),
	)), nil
}

// word returns the 32-byte big-endian ABI encoding of n.
func word(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}

func addressWord(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
