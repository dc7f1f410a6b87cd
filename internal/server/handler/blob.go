package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
)

// ContentVault stores sealed content envelopes.
type ContentVault interface {
	Upload(ctx context.Context, caller common.Address, envelope []byte) (string, error)
	Download(ctx context.Context, ref string) ([]byte, error)
}

// BlobHandler serves sealed content uploads and downloads.
type BlobHandler struct {
	vault    ContentVault
	maxBytes int64
	logger   *slog.Logger
}

// NewBlobHandler creates a BlobHandler accepting envelopes up to maxBytes.
func NewBlobHandler(vault ContentVault, maxBytes int64, logger *slog.Logger) *BlobHandler {
	return &BlobHandler{vault: vault, maxBytes: maxBytes, logger: logHandler(logger, "blob")}
}

// Upload stores the raw request body and returns its reference.
// POST /api/blobs
func (h *BlobHandler) Upload(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "envelope too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	ref, err := h.vault.Upload(r.Context(), caller, body)
	if err != nil {
		writeServiceError(w, r, h.logger, "upload content", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"ref": ref})
}

// Download returns the stored envelope bytes.
// GET /api/blobs/{ref}
func (h *BlobHandler) Download(w http.ResponseWriter, r *http.Request) {
	data, err := h.vault.Download(r.Context(), r.PathValue("ref"))
	if err != nil {
		writeServiceError(w, r, h.logger, "download content", err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
