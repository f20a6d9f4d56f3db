package auction

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/atmx/options-vault/internal/model"
)

var ErrBadSignature = errors.New("auction: malformed bid signature")

func word(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

// BidHash is keccak256 over the packed tuple
// (swapId, nonce, signerWallet, sellAmount, buyAmount, referrer) with
// integers as 32-byte words and addresses as 20 bytes.
func BidHash(bid model.Bid) common.Hash {
	buf := make([]byte, 0, 32*4+20*2)
	buf = append(buf, word(new(big.Int).SetUint64(bid.SwapID))...)
	buf = append(buf, word(new(big.Int).SetUint64(bid.Nonce))...)
	buf = append(buf, bid.SignerWallet.Bytes()...)
	buf = append(buf, word(bid.SellAmount.BigInt())...)
	buf = append(buf, word(bid.BuyAmount.BigInt())...)
	buf = append(buf, bid.Referrer.Bytes()...)
	return crypto.Keccak256Hash(buf)
}

// SignBid signs the bid tuple with key and stores the 65-byte signature on
// the returned copy.
func SignBid(key *ecdsa.PrivateKey, bid model.Bid) (model.Bid, error) {
	h := BidHash(bid)
	sig, err := crypto.Sign(h.Bytes(), key)
	if err != nil {
		return bid, err
	}
	bid.Signature = sig
	return bid, nil
}

// RecoverSigner returns the address that produced the bid's signature.
// Both 0/1 and 27/28 recovery ids are accepted.
func RecoverSigner(bid model.Bid) (model.Address, error) {
	if len(bid.Signature) != crypto.SignatureLength {
		return model.ZeroAddress, ErrBadSignature
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, bid.Signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	h := BidHash(bid)
	pub, err := crypto.SigToPub(h.Bytes(), sig)
	if err != nil {
		return model.ZeroAddress, errors.Join(ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
