package service

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/stakeswap/internal/crypto"
	"github.com/alanyoungcy/stakeswap/internal/domain"
)

const (
	blobRefPrefix = "blob:"
	contentPrefix = "content/"
	envelopeType  = "application/vnd.stakeswap.envelope"
)

// ContentVault stores sealed content envelopes in object storage. Objects
// are addressed by the keccak256 of their bytes, so uploads are idempotent
// and a reference pins exactly one envelope.
type ContentVault struct {
	blobs    domain.BlobStore
	maxBytes int
	logger   *slog.Logger
}

func NewContentVault(blobs domain.BlobStore, maxBytes int, logger *slog.Logger) *ContentVault {
	return &ContentVault{
		blobs:    blobs,
		maxBytes: maxBytes,
		logger:   logger.With(slog.String("component", "content_vault")),
	}
}

// Upload stores envelope and returns its reference.
func (v *ContentVault) Upload(ctx context.Context, caller common.Address, envelope []byte) (string, error) {
	const op = "upload_content"
	if v.maxBytes > 0 && len(envelope) > v.maxBytes {
		return "", domain.Reject(op, 0, domain.ErrPreconditionViolation, "envelope exceeds %d bytes", v.maxBytes)
	}
	if !crypto.IsEnvelope(envelope) {
		return "", domain.Reject(op, 0, domain.ErrPreconditionViolation, "payload is not a sealed envelope")
	}

	sum := hex.EncodeToString(ethcrypto.Keccak256(envelope))
	key := contentPrefix + sum
	exists, err := v.blobs.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("content_vault: exists %s: %w", key, err)
	}
	if !exists {
		if err := v.blobs.Put(ctx, key, bytes.NewReader(envelope), envelopeType); err != nil {
			return "", fmt.Errorf("content_vault: put %s: %w", key, err)
		}
		v.logger.InfoContext(ctx, "content_vault: stored envelope",
			slog.String("ref", blobRefPrefix+sum),
			slog.String("uploader", caller.Hex()),
			slog.Int("bytes", len(envelope)),
		)
	}
	return blobRefPrefix + sum, nil
}

// Download returns the envelope behind ref.
func (v *ContentVault) Download(ctx context.Context, ref string) ([]byte, error) {
	const op = "download_content"
	sum, err := parseBlobRef(ref)
	if err != nil {
		return nil, domain.Reject(op, 0, domain.ErrPreconditionViolation, "%v", err)
	}
	rc, err := v.blobs.Get(ctx, contentPrefix+sum)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Reject(op, 0, domain.ErrNotFound, "no envelope for %s", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("content_vault: get %s: %w", ref, err)
	}
	defer rc.Close()

	limit := int64(v.maxBytes)
	if limit <= 0 {
		limit = 1 << 30
	}
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, fmt.Errorf("content_vault: read %s: %w", ref, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("content_vault: %s larger than %d bytes", ref, limit)
	}
	return data, nil
}

// parseBlobRef accepts "blob:<hex>" or the bare 64-char hex digest.
func parseBlobRef(ref string) (string, error) {
	sum := strings.ToLower(strings.TrimPrefix(ref, blobRefPrefix))
	if len(sum) != 64 {
		return "", fmt.Errorf("reference %q is not a keccak256 digest", ref)
	}
	if _, err := hex.DecodeString(sum); err != nil {
		return "", fmt.Errorf("reference %q is not hex", ref)
	}
	return sum, nil
}
