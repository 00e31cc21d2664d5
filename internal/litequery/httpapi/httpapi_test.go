package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chainarchive/internal/archive"
	"chainarchive/internal/cell"
	"chainarchive/internal/litequery"
	"chainarchive/internal/rootdb"
	"chainarchive/internal/types"
)

func testDispatcher(t *testing.T) *litequery.Dispatcher {
	t.Helper()
	root := t.TempDir()
	r, err := rootdb.Open(rootdb.Config{
		Root: root,
		Cell: cell.Config{},
		Archive: archive.Config{
			Root:            root + "/archive",
			ArchiveSize:     20000,
			KeyArchiveSize:  200000,
			TempBucketSecs:  3600,
			ArchiveTTLSecs:  int64((24 * time.Hour).Seconds()),
			AsyncBatchCount: 10,
		},
		ArchiveTTLSecs: int64((24 * time.Hour).Seconds()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return litequery.New(r, litequery.Config{})
}

func TestHandleMasterchainInfo(t *testing.T) {
	disp := testDispatcher(t)
	s := New(disp, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/masterchain-info?last_seqno=0", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body, "error")
}

func TestHandleBlockHeaderNotFound(t *testing.T) {
	// No block is stored, so the dispatcher cannot reach it and the route
	// reports 404.
	disp := testDispatcher(t)
	id := types.BlockID{Workchain: types.MasterchainWorkchain, Shard: types.MasterchainShard, Seqno: 1}
	_, err := disp.GetBlockData(context.Background(), id)
	require.Error(t, err)

	s := New(disp, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/block/-1/8000000000000000/1", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleLookupBlockBadShard(t *testing.T) {
	disp := testDispatcher(t)
	s := New(disp, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/lookup-block?shard=zz&seqno=1", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
