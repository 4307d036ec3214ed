package server

import (
	"encoding/json"
	"net/http"

	"github.com/ItzNotABug/ghosler/pkg/ghosler"
)

type sendRequest struct {
	PostID         string `json:"post_id"`
	NewsletterID   string `json:"newsletter_id"`
	NewsletterName string `json:"newsletter_name"`
}

// handleSend starts a manual send of a post saved with its content.
// An empty newsletter id sends to every subscribed member.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.PostID == "" {
		s.writeJSON(w, http.StatusBadRequest, message("Post Id is missing!"))
		return
	}

	post, err := s.store.Get(r.Context(), req.PostID)
	if err != nil {
		s.logger.Error("Failed to load post", "post_id", req.PostID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if post == nil {
		s.writeJSON(w, http.StatusNotFound, message("Invalid Post Id!"))
		return
	}
	if !post.HasContent() || post.Stats.NewsletterStatus != ghosler.StatusUnsent {
		s.writeJSON(w, http.StatusConflict, message("This post is already sent as a newsletter via email."))
		return
	}

	var target *ghosler.Newsletter
	if req.NewsletterID != "" {
		target = &ghosler.Newsletter{ID: req.NewsletterID, Name: req.NewsletterName}
	}
	s.logger.Info("Manual newsletter send requested", "post_id", post.ID, "newsletter_id", req.NewsletterID)
	s.sendInBackground(r.Context(), post, target)
	s.writeJSON(w, http.StatusAccepted, message("Newsletter will be sent shortly."))
}
