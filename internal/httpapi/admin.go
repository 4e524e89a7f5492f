package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/taskpilot/internal/secrets"
	"github.com/nextlevelbuilder/taskpilot/internal/store"
)

// AdminHandler serves break-glass operations. Every request body carries the
// admin secret; it is compared in constant time.
type AdminHandler struct {
	secret string
	stores *store.Stores
	box    *secrets.Box

	// migrate and seed are injected from the composition root so the handler
	// stays free of driver wiring.
	migrate func(ctx context.Context) error
	seed    func(ctx context.Context) error
}

func NewAdminHandler(secret string, stores *store.Stores, box *secrets.Box,
	migrate, seed func(ctx context.Context) error) *AdminHandler {
	return &AdminHandler{secret: secret, stores: stores, box: box, migrate: migrate, seed: seed}
}

func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /admin/run-migration", h.auth(h.handleMigrate))
	mux.HandleFunc("POST /admin/seed-test-team", h.auth(h.handleSeed))
	mux.HandleFunc("POST /admin/clear-conversations", h.auth(h.handleClearConversations))
	mux.HandleFunc("POST /admin/backup-oauth-tokens", h.auth(h.handleBackupTokens))
	mux.HandleFunc("POST /admin/verify-oauth-encryption", h.auth(h.handleVerifyEncryption))
	mux.HandleFunc("POST /admin/encrypt-oauth-tokens", h.auth(h.handleEncryptTokens))
}

type adminRequest struct {
	Secret string `json:"secret"`
}

func (h *AdminHandler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readAdminBody(w, r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if h.secret == "" ||
			subtle.ConstantTimeCompare([]byte(body.Secret), []byte(h.secret)) != 1 {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r)
	}
}

func readAdminBody(w http.ResponseWriter, r *http.Request) (adminRequest, error) {
	var req adminRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req)
	return req, err
}

func (h *AdminHandler) handleMigrate(w http.ResponseWriter, r *http.Request) {
	if h.migrate == nil {
		writeError(w, http.StatusNotImplemented, "migrations not wired")
		return
	}
	if err := h.migrate(r.Context()); err != nil {
		slog.Error("admin migration failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "migrated"})
}

func (h *AdminHandler) handleSeed(w http.ResponseWriter, r *http.Request) {
	if h.seed == nil {
		writeError(w, http.StatusNotImplemented, "seeding not wired")
		return
	}
	if err := h.seed(r.Context()); err != nil {
		slog.Error("admin seed failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "seeded"})
}

func (h *AdminHandler) handleClearConversations(w http.ResponseWriter, r *http.Request) {
	// Closing everything idle since "now" closes every open conversation.
	n, err := h.stores.Conversations.CloseIdleSince(r.Context(), time.Now().UTC())
	if err != nil {
		slog.Error("admin clear conversations failed", "error", err)
		writeError(w, http.StatusInternalServerError, "clear failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"closed": n})
}

// handleBackupTokens returns the encrypted token rows. Ciphertext is the only
// representation that leaves the process.
func (h *AdminHandler) handleBackupTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.stores.OAuth.List(r.Context())
	if err != nil {
		slog.Error("admin token backup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "backup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"backed_up_at": time.Now().UTC().Format(time.RFC3339),
		"tokens":       tokens,
	})
}

func (h *AdminHandler) handleVerifyEncryption(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.stores.OAuth.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	var encrypted, legacy, unreadable int
	for _, t := range tokens {
		for _, ct := range []string{t.RefreshTokenCT, t.AccessTokenCT} {
			if ct == "" {
				continue
			}
			if !secrets.IsEncrypted(ct) {
				legacy++
				continue
			}
			if _, err := h.box.Open(ct); err != nil {
				unreadable++
				continue
			}
			encrypted++
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"encrypted": encrypted, "legacy_plaintext": legacy, "unreadable": unreadable,
	})
}

// handleEncryptTokens upgrades legacy plaintext token rows in place.
func (h *AdminHandler) handleEncryptTokens(w http.ResponseWriter, r *http.Request) {
	if h.box == nil {
		writeError(w, http.StatusPreconditionFailed, "no encryption key configured")
		return
	}
	tokens, err := h.stores.OAuth.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	var upgraded int
	for i := range tokens {
		t := tokens[i]
		changed := false
		if t.RefreshTokenCT != "" && !secrets.IsEncrypted(t.RefreshTokenCT) {
			if ct, err := h.box.Seal(t.RefreshTokenCT); err == nil {
				t.RefreshTokenCT = ct
				changed = true
			}
		}
		if t.AccessTokenCT != "" && !secrets.IsEncrypted(t.AccessTokenCT) {
			if ct, err := h.box.Seal(t.AccessTokenCT); err == nil {
				t.AccessTokenCT = ct
				changed = true
			}
		}
		if !changed {
			continue
		}
		if err := h.stores.OAuth.Upsert(r.Context(), &t); err != nil {
			slog.Error("token upgrade failed", "email", t.Email, "service", t.Service, "error", err)
			continue
		}
		upgraded++
	}
	writeJSON(w, http.StatusOK, map[string]int{"upgraded": upgraded})
}
