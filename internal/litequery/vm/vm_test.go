package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"chainarchive/internal/types"
)

func TestGasMeterConsumeAndLimit(t *testing.T) {
	g := NewGasMeter(10)
	require.NoError(t, g.Consume(4))
	require.EqualValues(t, 6, g.Remaining())
	require.NoError(t, g.Consume(6))
	require.EqualValues(t, 0, g.Remaining())
	require.Error(t, g.Consume(1))
}

func TestStaticResolverResolve(t *testing.T) {
	var acct types.AccountID
	acct[0] = 0x7

	sr := StaticResolver{
		acct: {
			5: []byte("wasm-bytes"),
		},
	}

	code, err := sr.Resolve(acct, 5)
	require.NoError(t, err)
	require.Equal(t, []byte("wasm-bytes"), code)

	_, err = sr.Resolve(acct, 6)
	require.Error(t, err)

	var other types.AccountID
	other[0] = 0x9
	_, err = sr.Resolve(other, 5)
	require.Error(t, err)
}
