package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chiral-network/p2p-core/pkg/coretypes"
)

func TestNewHandlerDispatchesByKind(t *testing.T) {
	cases := []struct {
		kind coretypes.SourceKind
		want any
	}{
		{coretypes.SourceP2P, &P2PHandler{}},
		{coretypes.SourceHTTP, &HTTPHandler{}},
		{coretypes.SourceWebRTC, &UnimplementedHandler{}},
		{coretypes.SourceFTP, &UnimplementedHandler{}},
		{coretypes.SourceED2K, &UnimplementedHandler{}},
		{coretypes.SourceBitTorrent, &UnimplementedHandler{}},
	}
	for _, c := range cases {
		h := NewHandler(coretypes.DownloadSource{Kind: c.kind}, Deps{})
		require.IsType(t, c.want, h)
	}
}

func TestUnimplementedHandlerReportsReason(t *testing.T) {
	h := NewHandler(coretypes.DownloadSource{Kind: coretypes.SourceFTP}, Deps{})
	err := h.Connect(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "FTP")
}

func TestHTTPHandlerConnectCapturesEtagAndRangeSupport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "11")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewHTTPHandler(coretypes.DownloadSource{Kind: coretypes.SourceHTTP, URL: srv.URL})
	require.NoError(t, h.Connect(context.Background()))
	require.Equal(t, `"abc123"`, h.ETag())
	require.True(t, h.SupportsRange())
	require.False(t, h.IsWeakEtag())
}

func TestHTTPHandlerFetchChunkReturnsRangedBytes(t *testing.T) {
	body := []byte("hello world, this is a test payload")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") == "" {
			w.Write(body)
			return
		}
		w.Header().Set("Content-Range", "bytes 0-4/36")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[0:5])
	}))
	defer srv.Close()

	h := NewHTTPHandler(coretypes.DownloadSource{Kind: coretypes.SourceHTTP, URL: srv.URL})
	require.NoError(t, h.Connect(context.Background()))

	data, err := h.FetchChunk(context.Background(), coretypes.MerkleRoot{}, 0, 0, 5)
	require.NoError(t, err)
	require.Equal(t, body[0:5], data)
}

func TestHTTPHandlerFetchChunkDetectsEtagChange(t *testing.T) {
	call := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call++
		if call == 1 {
			w.Header().Set("ETag", `"v1"`)
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("ETag", `"v2"`)
		w.Header().Set("Content-Range", "bytes 0-4/36")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("xxxxx"))
	}))
	defer srv.Close()

	h := NewHTTPHandler(coretypes.DownloadSource{Kind: coretypes.SourceHTTP, URL: srv.URL})
	require.NoError(t, h.Connect(context.Background()))

	_, err := h.FetchChunk(context.Background(), coretypes.MerkleRoot{}, 0, 0, 5)
	require.Error(t, err)
}

func TestHTTPHandlerFetchChunkDetectsRangeUnsupported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("full body ignoring range"))
	}))
	defer srv.Close()

	h := NewHTTPHandler(coretypes.DownloadSource{Kind: coretypes.SourceHTTP, URL: srv.URL})
	require.NoError(t, h.Connect(context.Background()))

	_, err := h.FetchChunk(context.Background(), coretypes.MerkleRoot{}, 0, 0, 5)
	require.Error(t, err)
}

func TestHTTPHandlerFetchChunkDetects416(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer srv.Close()

	h := NewHTTPHandler(coretypes.DownloadSource{Kind: coretypes.SourceHTTP, URL: srv.URL})
	require.NoError(t, h.Connect(context.Background()))

	_, err := h.FetchChunk(context.Background(), coretypes.MerkleRoot{}, 0, 0, 5)
	require.Error(t, err)
}
