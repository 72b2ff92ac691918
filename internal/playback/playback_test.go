package playback

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divij2510/medinote-stream/internal/audio"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// chunkBackend serves a chunk listing plus the chunk payloads themselves,
// the way the session backend exposes stored audio.
func chunkBackend(t *testing.T, sessionID string, chunks map[uint64][]byte) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/v1/session/"+sessionID+"/audio", func(w http.ResponseWriter, r *http.Request) {
		refs := make([]ChunkRef, 0, len(chunks))
		for seq := range chunks {
			refs = append(refs, ChunkRef{
				SessionID:   sessionID,
				ChunkNumber: seq,
				PublicURL:   fmt.Sprintf("%s/chunks/%d", srv.URL, seq),
				MimeType:    "audio/pcm",
			})
		}
		json.NewEncoder(w).Encode(listing{
			SessionID:   sessionID,
			TotalChunks: len(refs),
			Chunks:      refs,
		})
	})

	for seq, payload := range chunks {
		seq, payload := seq, payload
		mux.HandleFunc(fmt.Sprintf("/chunks/%d", seq), func(w http.ResponseWriter, r *http.Request) {
			w.Write(payload)
		})
	}

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestReconstructOrdersChunks(t *testing.T) {
	chunks := map[uint64][]byte{
		3: {0x05, 0x00, 0x06, 0x00},
		1: {0x01, 0x00, 0x02, 0x00},
		2: {0x03, 0x00, 0x04, 0x00},
	}
	srv := chunkBackend(t, "sess-1", chunks)

	rec := NewReconstructor(Config{AudioURL: srv.URL + "/v1/session"}, discardLogger())

	wav, report, err := rec.Reconstruct(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NoError(t, audio.ValidateWAV(wav))

	assert.True(t, report.Complete())
	assert.Equal(t, 3, report.ChunkCount)
	assert.Equal(t, 12, report.TotalBytes)

	// PCM body follows the 44-byte header in sequence order.
	want := []byte{0x01, 0x00, 0x02, 0x00, 0x03, 0x00, 0x04, 0x00, 0x05, 0x00, 0x06, 0x00}
	assert.Equal(t, want, wav[44:])
}

func TestReconstructReportsMissingChunks(t *testing.T) {
	chunks := map[uint64][]byte{
		1: {0x01, 0x00},
		2: {0x02, 0x00},
		5: {0x05, 0x00},
	}
	srv := chunkBackend(t, "sess-2", chunks)

	rec := NewReconstructor(Config{AudioURL: srv.URL + "/v1/session"}, discardLogger())

	wav, report, err := rec.Reconstruct(context.Background(), "sess-2")
	require.NoError(t, err)
	require.NoError(t, audio.ValidateWAV(wav))

	assert.False(t, report.Complete())
	assert.Equal(t, []uint64{3, 4}, report.MissingChunks)
	assert.Equal(t, 6, report.TotalBytes)
}

func TestReconstructEmptySession(t *testing.T) {
	srv := chunkBackend(t, "sess-3", nil)

	rec := NewReconstructor(Config{AudioURL: srv.URL + "/v1/session"}, discardLogger())

	_, _, err := rec.Reconstruct(context.Background(), "sess-3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no chunks stored")
}

func TestReconstructListingError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rec := NewReconstructor(Config{AudioURL: srv.URL + "/v1/session"}, discardLogger())

	_, _, err := rec.Reconstruct(context.Background(), "sess-4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestReconstructChunkFetchError(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/v1/session/sess-5/audio", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(listing{
			SessionID:   "sess-5",
			TotalChunks: 1,
			Chunks: []ChunkRef{
				{SessionID: "sess-5", ChunkNumber: 1, PublicURL: srv.URL + "/chunks/1"},
			},
		})
	})
	mux.HandleFunc("/chunks/1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	rec := NewReconstructor(Config{AudioURL: srv.URL + "/v1/session"}, discardLogger())

	_, _, err := rec.Reconstruct(context.Background(), "sess-5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk 1")
}

func TestGetStats(t *testing.T) {
	chunks := map[uint64][]byte{
		1: {0x01, 0x00},
		2: {0x02, 0x00},
	}
	srv := chunkBackend(t, "sess-6", chunks)

	rec := NewReconstructor(Config{AudioURL: srv.URL + "/v1/session"}, discardLogger())

	_, _, err := rec.Reconstruct(context.Background(), "sess-6")
	require.NoError(t, err)

	stats := rec.GetStats()
	assert.Equal(t, uint64(1), stats.Reconstructions)
	assert.Equal(t, uint64(2), stats.ChunksFetched)
	assert.Equal(t, uint64(4), stats.BytesFetched)
}
