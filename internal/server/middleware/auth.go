package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/raulk/clock"

	"github.com/alanyoungcy/stakeswap/internal/crypto"
)

// Request signing headers.
const (
	HeaderAddress   = "X-Stakeswap-Address"
	HeaderTimestamp = "X-Stakeswap-Timestamp"
	HeaderSignature = "X-Stakeswap-Signature"
)

type contextKey int

const callerKey contextKey = iota

// Caller returns the identity that signed the request, if any.
func Caller(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey).(common.Address)
	return addr, ok
}

// WithCaller attaches an authenticated identity to ctx.
func WithCaller(ctx context.Context, who common.Address) context.Context {
	return context.WithValue(ctx, callerKey, who)
}

// ReplayGuard remembers requests already accepted, keyed by signer and
// request digest so re-encoded signatures count as the same request.
type ReplayGuard interface {
	Seen(key string) bool
}

// IdentityObserver records the public key behind a verified signature.
type IdentityObserver interface {
	Observe(ctx context.Context, who common.Address, pubkey []byte) error
}

// SignatureConfig configures SignatureAuth.
type SignatureConfig struct {
	Window  time.Duration // accepted timestamp skew, both directions
	MaxBody int64
	Clock   clock.Clock
}

// SignatureAuth verifies identity-signed requests. Requests without an
// address header pass through anonymously; handlers that need a caller
// reject them. A request that claims an identity must prove it.
func SignatureAuth(cfg SignatureConfig, guard ReplayGuard, observer IdentityObserver, logger *slog.Logger) func(http.Handler) http.Handler {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 1 << 20
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawAddr := strings.TrimSpace(r.Header.Get(HeaderAddress))
			if rawAddr == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !common.IsHexAddress(rawAddr) {
				writeUnauthorized(w, "malformed "+HeaderAddress)
				return
			}
			who := common.HexToAddress(rawAddr)

			ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
			if err != nil {
				writeUnauthorized(w, "malformed "+HeaderTimestamp)
				return
			}
			skew := cfg.Clock.Now().Sub(time.Unix(ts, 0))
			if skew > cfg.Window || skew < -cfg.Window {
				writeUnauthorized(w, "request timestamp outside the accepted window")
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, cfg.MaxBody))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
					return
				}
				writeJSONError(w, http.StatusBadRequest, "read body failed")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			sig := strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderSignature)))
			pub, err := crypto.VerifyRequest(who, r.Method, r.URL.Path, ts, body, sig)
			if err != nil {
				writeUnauthorized(w, "invalid signature")
				return
			}
			if guard != nil && guard.Seen(crypto.RequestReplayKey(who, r.Method, r.URL.Path, ts, body)) {
				writeUnauthorized(w, "replayed request")
				return
			}
			if observer != nil {
				if err := observer.Observe(r.Context(), who, pub); err != nil {
					logger.WarnContext(r.Context(), "middleware: observe identity failed",
						slog.String("identity", who.Hex()),
						slog.String("error", err.Error()),
					)
				}
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), who)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	writeJSONError(w, http.StatusUnauthorized, msg)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
