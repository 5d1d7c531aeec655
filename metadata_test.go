package lancevec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decisiongraph/lancevec/codec"
)

func TestMetadataEncodeDecode(t *testing.T) {
	in := metadataBlob{
		Dimension: 128,
		Metric:    "cosine",
		NextLabel: 1000,
		TableName: "docs",
	}

	blob, err := encodeMetadata(codec.Default, in)
	require.NoError(t, err)

	out, err := decodeMetadata(codec.Default, blob)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestMetadataDecodeRejects(t *testing.T) {
	good, err := encodeMetadata(codec.Default, metadataBlob{
		Dimension: 3, Metric: "l2", NextLabel: 5, TableName: "t",
	})
	require.NoError(t, err)

	t.Run("truncated", func(t *testing.T) {
		_, err := decodeMetadata(codec.Default, good[:8])
		require.Error(t, err)
	})

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		bad[0] = 'X'
		_, err := decodeMetadata(codec.Default, bad)
		require.Error(t, err)
	})

	t.Run("flipped payload bit", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		bad[len(bad)-1] ^= 0x01
		_, err := decodeMetadata(codec.Default, bad)
		require.ErrorContains(t, err, "checksum")
	})

	t.Run("unknown metric", func(t *testing.T) {
		blob, err := encodeMetadata(codec.Default, metadataBlob{
			Dimension: 3, Metric: "hamming", NextLabel: 5, TableName: "t",
		})
		require.NoError(t, err)
		_, err = decodeMetadata(codec.Default, blob)
		require.Error(t, err)
	})

	t.Run("implausible contents", func(t *testing.T) {
		blob, err := encodeMetadata(codec.Default, metadataBlob{
			Dimension: 0, Metric: "l2", NextLabel: 5, TableName: "t",
		})
		require.NoError(t, err)
		_, err = decodeMetadata(codec.Default, blob)
		require.Error(t, err)
	})
}
