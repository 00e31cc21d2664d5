package proof

import (
	"testing"

	bls "github.com/herumi/bls-eth-go-binary/bls"
	"github.com/stretchr/testify/require"

	"chainarchive/internal/blockhandle"
	"chainarchive/internal/types"
)

func newTestValidator(t *testing.T, weight uint64) (Validator, *bls.SecretKey) {
	t.Helper()
	var sk bls.SecretKey
	sk.SetByCSPRNG()
	pub := sk.GetPublicKey()
	return Validator{PubKey: pub.Serialize(), Weight: weight}, &sk
}

func TestVerifyThresholdAcceptsTwoThirds(t *testing.T) {
	msg := []byte("key-block-42")
	v1, sk1 := newTestValidator(t, 10)
	v2, sk2 := newTestValidator(t, 10)
	v3, _ := newTestValidator(t, 10)

	set := ValidatorSet{Validators: []Validator{v1, v2, v3}, TotalWeight: 30}

	sig1 := sk1.SignByte(msg).Serialize()
	sig2 := sk2.SignByte(msg).Serialize()
	agg, err := AggregateSignatures([][]byte{sig1, sig2})
	require.NoError(t, err)

	ok, err := set.VerifyThreshold(agg, []int{0, 1}, msg, 2, 3)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyThresholdRejectsBelowThreshold(t *testing.T) {
	msg := []byte("key-block-42")
	v1, sk1 := newTestValidator(t, 10)
	v2, _ := newTestValidator(t, 10)
	v3, _ := newTestValidator(t, 10)

	set := ValidatorSet{Validators: []Validator{v1, v2, v3}, TotalWeight: 30}

	sig1 := sk1.SignByte(msg).Serialize()
	agg, err := AggregateSignatures([][]byte{sig1})
	require.NoError(t, err)

	ok, err := set.VerifyThreshold(agg, []int{0}, msg, 2, 3)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyThresholdRejectsDuplicateSigner(t *testing.T) {
	v1, sk1 := newTestValidator(t, 10)
	v2, _ := newTestValidator(t, 10)
	set := ValidatorSet{Validators: []Validator{v1, v2}, TotalWeight: 20}

	msg := []byte("x")
	sig1 := sk1.SignByte(msg).Serialize()
	agg, err := AggregateSignatures([][]byte{sig1})
	require.NoError(t, err)

	_, err = set.VerifyThreshold(agg, []int{0, 0}, msg, 1, 2)
	require.Error(t, err)
}

func newTestBlockID(seqno uint32) types.BlockID {
	var id types.BlockID
	id.Seqno = seqno
	id.RootHash[0] = byte(seqno)
	id.FileHash[0] = byte(seqno + 1)
	return id
}

func newTestKeyBlockHandle(t *testing.T, from, to types.BlockID) *blockhandle.Handle {
	t.Helper()
	h := blockhandle.New(to)
	h.SetKeyBlock(true)
	h.SetPrev(0, from)
	h.SetTimes(1000, 2000)
	h.SetStateInited(types.Hash{0xAA}, 1000)
	return h
}

func TestVerifyChainAllLinksMustPass(t *testing.T) {
	from := newTestBlockID(1)
	to := newTestBlockID(2)
	h := newTestKeyBlockHandle(t, from, to)
	p, err := StateRootInBlockProof(h)
	require.NoError(t, err)

	v1, sk1 := newTestValidator(t, 10)
	v2, sk2 := newTestValidator(t, 10)
	set := ValidatorSet{Validators: []Validator{v1, v2}, TotalWeight: 20}
	msg := []byte("link-msg")
	sig1 := sk1.SignByte(msg).Serialize()
	sig2 := sk2.SignByte(msg).Serialize()
	agg, err := AggregateSignatures([][]byte{sig1, sig2})
	require.NoError(t, err)

	link := ProofChainLink{
		From:         from,
		To:           to,
		Dest:         HeaderProof{Block: to, BlockProof: p},
		Signers:      set,
		SignerIdx:    []int{0, 1},
		AggregateSig: agg,
		SignedMsg:    msg,
	}
	ok, err := VerifyChain([]ProofChainLink{link}, from, to, 2, 3)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyChainRejectsBrokenEndpoints(t *testing.T) {
	from := newTestBlockID(1)
	mid := newTestBlockID(2)
	to := newTestBlockID(3)
	h := newTestKeyBlockHandle(t, from, mid)
	p, err := StateRootInBlockProof(h)
	require.NoError(t, err)

	v1, sk1 := newTestValidator(t, 10)
	set := ValidatorSet{Validators: []Validator{v1}, TotalWeight: 10}
	msg := []byte("link-msg")
	sig1 := sk1.SignByte(msg).Serialize()
	agg, err := AggregateSignatures([][]byte{sig1})
	require.NoError(t, err)

	link := ProofChainLink{
		From:         from,
		To:           mid,
		Dest:         HeaderProof{Block: mid, BlockProof: p},
		Signers:      set,
		SignerIdx:    []int{0},
		AggregateSig: agg,
		SignedMsg:    msg,
	}
	_, err = VerifyChain([]ProofChainLink{link}, from, to, 2, 3)
	require.Error(t, err)
}
