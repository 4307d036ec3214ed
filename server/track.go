package server

import (
	"net/http"
	"strconv"

	"github.com/ItzNotABug/ghosler/track"
)

func (s *Server) handlePixel(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("uuid"); token != "" {
		if err := s.opens.Add(token); err != nil {
			s.logger.Debug("Ignoring invalid open token", "error", err)
		}
	}

	pixel := track.Pixel()
	h := w.Header()
	h.Set("Content-Type", "image/png")
	h.Set("Content-Length", strconv.Itoa(len(pixel)))
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(pixel); err != nil {
		s.logger.Warn("Failed to write tracking pixel", "error", err)
	}
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	postID, target := q.Get("postId"), q.Get("redirect")
	if postID == "" || target == "" {
		http.Redirect(w, r, s.settings.Settings().Ghost.URL, http.StatusFound)
		return
	}
	s.links.Add(postID, target)
	http.Redirect(w, r, target, http.StatusFound)
}
