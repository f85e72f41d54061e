package photozip

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// ChecksumTrailer is the trailer carrying the unpadded base64url BLAKE2b-512
// sum of a completed archive. Truncated or failed archives never carry it.
const ChecksumTrailer = "Archive-Checksum"

const (
	DefaultRoot  = "test_photos"
	DefaultIndex = "index.html"
)

// Handler serves the index page and streams archives of entries below a root
// directory.
type Handler struct {
	root      string
	index     string
	delay     time.Duration
	chunkSize int
	logger    *slog.Logger
	resolver  Resolver
	producer  Producer
	mux       *http.ServeMux
}

// New will create a new Handler with some sensible defaults applied. It will then apply opts.
func New(opts ...Option) *Handler {
	h := &Handler{
		root:      DefaultRoot,
		index:     DefaultIndex,
		chunkSize: DefaultChunkSize,
		resolver:  ResolverFunc(Resolve),
		producer:  Zip,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.mux = http.NewServeMux()
	h.mux.HandleFunc("GET /{$}", h.Index)
	h.mux.HandleFunc("GET /archive/{identifier}/{$}", h.Archive)
	return h
}

// ServeHTTP will route requests depending on the method and path.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Index serves the static index document.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	b, err := os.ReadFile(h.index)
	if err != nil {
		h.logger.Error("failed to read index", "path", h.index, "err", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(b)
}

// Archive streams a zip of the entry named by the identifier path value. Once
// the first byte is sent the status can no longer change, so later failures
// abort the connection instead.
func (h *Handler) Archive(w http.ResponseWriter, r *http.Request) {
	req := ArchiveRequest{
		Identifier: r.PathValue("identifier"),
		Root:       h.root,
		Delay:      h.delay,
	}
	log := h.logger.With("identifier", req.Identifier)
	ctx := r.Context()

	e, err := h.resolver.Resolve(ctx, req)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "Archive with such name doesn't exist", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error("failed to resolve archive", "err", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if r.Method == http.MethodHead {
		setArchiveHeaders(w, e)
		w.WriteHeader(http.StatusOK)
		return
	}

	p, err := h.producer.Start(ctx, e)
	if err != nil {
		log.Error("failed to start archive process", "err", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	setArchiveHeaders(w, e)
	w.WriteHeader(http.StatusOK)
	// Send the headers now rather than with the first chunk.
	_ = http.NewResponseController(w).Flush()

	relay := Relay{ChunkSize: h.chunkSize, Delay: req.Delay, Logger: log}
	res, err := relay.Run(ctx, w, p)
	switch res.Outcome {
	case Completed:
		if err != nil {
			log.Error("archive process failed", "err", err, "chunks", res.Chunks, "bytes", res.Bytes)
			return
		}
		w.Header().Set(ChecksumTrailer, base64.RawURLEncoding.EncodeToString(res.Checksum))
		log.Info("archive sent", "chunks", res.Chunks, "bytes", res.Bytes)
	case Cancelled:
		log.Info("download was cancelled", "err", err, "bytes", res.Bytes)
		panic(http.ErrAbortHandler)
	default:
		log.Error("server error", "err", err, "bytes", res.Bytes)
		panic(http.ErrAbortHandler)
	}
}

func setArchiveHeaders(w http.ResponseWriter, e Entry) {
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", e.Filename()))
	w.Header().Set("Trailer", ChecksumTrailer)
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
