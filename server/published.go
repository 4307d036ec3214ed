package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ItzNotABug/ghosler/pkg/ghosler"
)

const (
	signatureHeader  = "X-Ghost-Signature"
	maxSignatureSkew = 5 * time.Minute
)

func (s *Server) handlePublished(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, message("Could not read request body."))
		return
	}

	var payload ghosler.PublishPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.Validate() != nil {
		s.logger.Warn("Rejected publish webhook with invalid body", "remote_addr", r.RemoteAddr)
		s.writeJSON(w, http.StatusBadRequest, message("Post content seems to be missing!"))
		return
	}

	if secret := s.settings.Settings().Ghost.Secret; secret != "" {
		if err := verifySignature(r.Header.Get(signatureHeader), body, secret, s.now()); err != nil {
			s.logger.Warn("Rejected publish webhook signature", "remote_addr", r.RemoteAddr, "error", err)
			s.writeJSON(w, http.StatusUnauthorized, message("Invalid Authorization."))
			return
		}
	}

	if payload.HasIgnoreTag() {
		s.writeJSON(w, http.StatusOK, message("Post contains `"+ghosler.IgnoreTag+"` tag, ignoring."))
		return
	}

	post := ghosler.MakePost(&payload)
	logger := s.logger.With("post_id", post.ID)
	logger.Info("Post received via webhook", "title", post.Title, "visibility", post.Visibility)

	newsletters, err := s.ghost.Newsletters(r.Context())
	if err != nil {
		logger.Warn("Could not list newsletters, saving post for a manual send", "error", err)
		newsletters = nil
	}

	post.Stats.NewsletterStatus = ghosler.StatusUnsent
	post.Complete = len(newsletters) != 1

	created, err := s.store.Create(r.Context(), post, false)
	if err != nil {
		logger.Error("Failed to save post", "error", err)
	}
	if err != nil || !created {
		s.writeJSON(w, http.StatusInternalServerError,
			message("The post data could not be saved, or emails for this post have already been sent."))
		return
	}

	if len(newsletters) == 1 {
		s.sendInBackground(r.Context(), post, &newsletters[0])
		s.writeJSON(w, http.StatusOK, message("Newsletter will be sent shortly."))
		return
	}
	logger.Info("Post saved for manual send", "active_newsletters", len(newsletters))
	s.writeJSON(w, http.StatusOK, message("Multiple or no active newsletters found, post saved for manual action."))
}

// verifySignature checks a "sha256=<hex>, t=<unix ms>" header against the HMAC-SHA256 of the body.
// The digest is accepted over the body alone or over the body followed by the timestamp.
func verifySignature(header string, body []byte, secret string, now time.Time) error {
	if header == "" {
		return errors.New("signature header missing")
	}
	var sig, ts string
	for part := range strings.SplitSeq(header, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "sha256="):
			sig = strings.TrimPrefix(part, "sha256=")
		case strings.HasPrefix(part, "t="):
			ts = strings.TrimPrefix(part, "t=")
		}
	}
	millis, err := strconv.ParseInt(ts, 10, 64)
	if sig == "" || err != nil {
		return fmt.Errorf("malformed signature header %q", header)
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}

	skew := now.Sub(time.UnixMilli(millis))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSignatureSkew {
		return fmt.Errorf("signature timestamp off by %s", skew.Round(time.Second))
	}

	for _, msg := range [][]byte{body, append(body[:len(body):len(body)], ts...)} {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(msg)
		if hmac.Equal(got, mac.Sum(nil)) {
			return nil
		}
	}
	return errors.New("signature mismatch")
}
