package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"session-capture-proxy/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "capture.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_Credentials(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	missing, err := s.LatestCredential(ctx, "mp.weixin.qq.com")
	require.NoError(t, err)
	assert.Nil(t, missing)

	first := &types.Credential{Host: "mp.weixin.qq.com", Fields: []types.CookieField{{Name: "key", Value: "old"}}, HasKey: true}
	second := &types.Credential{Host: "mp.weixin.qq.com", Path: "/mp/profile_ext", HasKey: true, HasToken: true,
		Fields: []types.CookieField{{Name: "uin", Value: "1"}, {Name: "key", Value: "new=="}}}
	require.NoError(t, s.SaveCredential(ctx, "s1", first))
	require.NoError(t, s.SaveCredential(ctx, "s1", second))

	got, err := s.LatestCredential(ctx, "mp.weixin.qq.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "uin=1; key=new==", got.String())
	assert.True(t, got.HasToken)
	assert.Equal(t, "/mp/profile_ext", got.Path)
}

func TestStore_RecordsAreUnique(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	batch := func(from, to int) []types.Record {
		var out []types.Record
		for i := from; i < to; i++ {
			out = append(out, types.Record{Title: fmt.Sprintf("T%d", i), URL: fmt.Sprintf("https://a/%d", i)})
		}
		return out
	}

	n, err := s.SaveRecords(ctx, "s1", "Label", batch(0, 5))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = s.SaveRecords(ctx, "s2", "Label", batch(3, 8))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	records, err := s.Records(ctx, "Label")
	require.NoError(t, err)
	require.Len(t, records, 8)
	for i, r := range records {
		assert.Equal(t, fmt.Sprintf("T%d", i), r.Title)
	}

	other, err := s.Records(ctx, "Other")
	require.NoError(t, err)
	assert.Empty(t, other)
}
