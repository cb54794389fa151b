package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReserveFrameRoundTrip(t *testing.T) {
	encoded := EncodeReserve()
	f, err := DecodeFrame(encoded)
	require.NoError(t, err)
	require.Equal(t, OpReserve, f.Op)
	require.Empty(t, f.Payload)
}

func TestGrantedFrameRoundTrip(t *testing.T) {
	encoded := EncodeGranted(3600)
	f, err := DecodeFrame(encoded)
	require.NoError(t, err)
	require.Equal(t, OpReservationGranted, f.Op)
	require.Equal(t, uint32(3600), getU32(f.Payload))
}

func TestConnectFrameRoundTrip(t *testing.T) {
	encoded := EncodeConnect("12D3KooWExamplePeerID")
	f, err := DecodeFrame(encoded)
	require.NoError(t, err)
	require.Equal(t, OpConnect, f.Op)
	require.Equal(t, "12D3KooWExamplePeerID", string(f.Payload))
}

func TestDecodeFrameRejectsTruncated(t *testing.T) {
	_, err := DecodeFrame([]byte{OpReserve, 0, 0})
	require.Error(t, err)
}

func TestDecodeFrameRejectsLengthMismatch(t *testing.T) {
	encoded := EncodeRefused("no capacity")
	encoded[1] = 0xFF // corrupt declared length
	_, err := DecodeFrame(encoded)
	require.Error(t, err)
}
