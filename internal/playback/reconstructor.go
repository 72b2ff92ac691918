package playback

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/divij2510/medinote-stream/internal/audio"
)

// DefaultTimeout bounds a single backend request.
const DefaultTimeout = 30 * time.Second

// Config contains playback reconstructor configuration
type Config struct {
	// AudioURL is the per-session chunk listing endpoint; the session id
	// is appended as /{session_id}/audio.
	AudioURL string

	// Timeout bounds each HTTP request. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// ChunkRef is one stored chunk as listed by the backend.
type ChunkRef struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	ChunkNumber uint64 `json:"chunk_number"`
	PublicURL   string `json:"public_url"`
	MimeType    string `json:"mime_type"`
}

// listing is the backend's chunk listing reply.
type listing struct {
	SessionID   string     `json:"session_id"`
	TotalChunks int        `json:"total_chunks"`
	Chunks      []ChunkRef `json:"chunks"`
}

// Report describes what a reconstruction found.
type Report struct {
	SessionID     string   `json:"session_id"`
	ChunkCount    int      `json:"chunk_count"`
	TotalBytes    int      `json:"total_bytes"`
	Duration      float64  `json:"duration_seconds"`
	MissingChunks []uint64 `json:"missing_chunks,omitempty"`
}

// Complete reports whether the stored chunks form a gapless sequence.
func (r Report) Complete() bool {
	return len(r.MissingChunks) == 0
}

// Stats represents reconstructor statistics
type Stats struct {
	Reconstructions uint64 `json:"reconstructions"`
	ChunksFetched   uint64 `json:"chunks_fetched"`
	BytesFetched    uint64 `json:"bytes_fetched"`
}

// Reconstructor fetches a finished session's chunks and frames them into
// a WAV file.
type Reconstructor struct {
	config Config
	client *http.Client
	logger *slog.Logger

	// Statistics
	mu              sync.RWMutex
	reconstructions uint64
	chunksFetched   uint64
	bytesFetched    uint64
}

// NewReconstructor creates a playback reconstructor.
func NewReconstructor(config Config, logger *slog.Logger) *Reconstructor {
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}

	return &Reconstructor{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

// List fetches the backend's chunk listing for a session, sorted by chunk
// number.
func (r *Reconstructor) List(ctx context.Context, sessionID string) ([]ChunkRef, error) {
	url := fmt.Sprintf("%s/%s/audio", strings.TrimRight(r.config.AudioURL, "/"), sessionID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build listing request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch chunk listing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chunk listing returned status %d", resp.StatusCode)
	}

	var l listing
	if err := json.NewDecoder(resp.Body).Decode(&l); err != nil {
		return nil, fmt.Errorf("decode chunk listing: %w", err)
	}

	refs := l.Chunks
	sort.Slice(refs, func(i, j int) bool { return refs[i].ChunkNumber < refs[j].ChunkNumber })

	return refs, nil
}

// fetchChunk downloads one chunk's raw PCM payload.
func (r *Reconstructor) fetchChunk(ctx context.Context, ref ChunkRef) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.PublicURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build chunk request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch chunk %d: %w", ref.ChunkNumber, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chunk %d returned status %d", ref.ChunkNumber, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read chunk %d: %w", ref.ChunkNumber, err)
	}

	r.mu.Lock()
	r.chunksFetched++
	r.bytesFetched += uint64(len(data))
	r.mu.Unlock()

	return data, nil
}

// Reconstruct fetches every stored chunk for the session in order and
// frames the concatenated PCM as a WAV file. Missing sequence numbers are
// reported but do not abort the reconstruction; the remaining audio is
// still framed playable.
func (r *Reconstructor) Reconstruct(ctx context.Context, sessionID string) ([]byte, Report, error) {
	refs, err := r.List(ctx, sessionID)
	if err != nil {
		return nil, Report{}, err
	}

	report := Report{SessionID: sessionID, ChunkCount: len(refs)}

	if len(refs) == 0 {
		return nil, report, fmt.Errorf("no chunks stored for session %s", sessionID)
	}

	// Chunk numbers start at 1; note any holes.
	expected := uint64(1)
	for _, ref := range refs {
		for expected < ref.ChunkNumber {
			report.MissingChunks = append(report.MissingChunks, expected)
			expected++
		}
		expected = ref.ChunkNumber + 1
	}

	payloads := make([][]byte, 0, len(refs))
	for _, ref := range refs {
		data, err := r.fetchChunk(ctx, ref)
		if err != nil {
			return nil, report, err
		}
		payloads = append(payloads, data)
		report.TotalBytes += len(data)
	}

	wav, err := audio.Reassemble(payloads, audio.SampleRate)
	if err != nil {
		return nil, report, fmt.Errorf("frame session audio: %w", err)
	}

	report.Duration = float64(report.TotalBytes) / float64(audio.SampleRate*audio.BytesPerSample)

	r.mu.Lock()
	r.reconstructions++
	r.mu.Unlock()

	r.logger.Info("Session audio reconstructed",
		slog.String("session_id", sessionID),
		slog.Int("chunks", report.ChunkCount),
		slog.Int("bytes", report.TotalBytes),
		slog.Int("missing", len(report.MissingChunks)))

	return wav, report, nil
}

// GetStats returns current reconstructor statistics
func (r *Reconstructor) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		Reconstructions: r.reconstructions,
		ChunksFetched:   r.chunksFetched,
		BytesFetched:    r.bytesFetched,
	}
}
