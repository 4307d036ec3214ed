// Package storage handles persistence of posts, one JSON document per post.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/ItzNotABug/ghosler/pkg/ghosler"
)

// ErrNotFound is returned when a post document does not exist.
var ErrNotFound = errors.New("storage: object doesn't exist")

var postIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// backend stores raw documents by key.
type backend interface {
	read(ctx context.Context, key string) ([]byte, error)
	write(ctx context.Context, key string, data []byte) error
	remove(ctx context.Context, key string) error
	keys(ctx context.Context) ([]string, error)
	String() string
}

// Store handles post persistence.
type Store struct {
	backend backend
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newStore(b backend, logger *slog.Logger) *Store {
	return &Store{
		backend: b,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}
}

// PostKey generates the document key for a post id.
// Returns "" for ids that are not safe to use as a file or object name.
func PostKey(id string) string {
	if !postIDRegex.MatchString(id) {
		return ""
	}
	return id + ".json"
}

// lock returns the mutex serializing read-modify-write cycles of one post.
func (s *Store) lock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

// Get loads a post by id. It returns nil without error when the post does not exist.
func (s *Store) Get(ctx context.Context, id string) (*ghosler.Post, error) {
	key := PostKey(id)
	if key == "" {
		s.logger.Debug("Ignoring lookup for invalid post id", "post_id", id)
		return nil, nil
	}
	post, err := s.load(ctx, key)
	if IsNotFound(err) {
		return nil, nil
	}
	return post, err
}

func (s *Store) load(ctx context.Context, key string) (*ghosler.Post, error) {
	data, err := s.backend.read(ctx, key)
	if err != nil {
		return nil, err
	}
	var post ghosler.Post
	if err := json.Unmarshal(data, &post); err != nil {
		return nil, fmt.Errorf("unmarshal post: %w", err)
	}
	post.Complete = post.HasContent()
	return &post, nil
}

func (s *Store) save(ctx context.Context, key string, post *ghosler.Post) error {
	doc := post
	if !post.Complete {
		doc = post.Saveable()
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal post: %w", err)
	}
	if err := s.backend.write(ctx, key, data); err != nil {
		return err
	}
	s.logger.Info("Post saved", "backend", s.backend.String(), "post_id", post.ID,
		"status", post.Stats.NewsletterStatus, "complete", post.Complete)
	return nil
}

// Create persists a post. Without update it refuses to overwrite an existing document and returns false.
// Posts flagged Complete are written with their body so they can be sent manually later.
func (s *Store) Create(ctx context.Context, post *ghosler.Post, update bool) (bool, error) {
	key := PostKey(post.ID)
	if key == "" {
		return false, errors.New("invalid post id")
	}

	m := s.lock(post.ID)
	m.Lock()
	defer m.Unlock()

	if !update {
		_, err := s.backend.read(ctx, key)
		if err == nil {
			s.logger.Info("Post already exists, not overwriting", "post_id", post.ID)
			return false, nil
		}
		if !IsNotFound(err) {
			return false, fmt.Errorf("check existing post: %w", err)
		}
	}

	if err := s.save(ctx, key, post); err != nil {
		return false, fmt.Errorf("save post: %w", err)
	}
	return true, nil
}

// Update loads a post, applies fn and persists the result if fn reports a change.
// Calls for the same post id are serialized. Returns ErrNotFound when the post does not exist.
func (s *Store) Update(ctx context.Context, id string, fn func(*ghosler.Post) (bool, error)) (*ghosler.Post, error) {
	key := PostKey(id)
	if key == "" {
		return nil, ErrNotFound
	}

	m := s.lock(id)
	m.Lock()
	defer m.Unlock()

	post, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}

	changed, err := fn(post)
	if err != nil {
		return post, err
	}
	if !changed {
		return post, nil
	}

	if err := s.save(ctx, key, post); err != nil {
		return nil, fmt.Errorf("save post: %w", err)
	}
	return post, nil
}

// Delete removes a post document. Deleting a missing post is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	key := PostKey(id)
	if key == "" {
		return errors.New("invalid post id")
	}

	m := s.lock(id)
	m.Lock()
	defer m.Unlock()

	if err := s.backend.remove(ctx, key); err != nil && !IsNotFound(err) {
		return err
	}
	s.logger.Info("Post deleted", "post_id", id)
	return nil
}

// List loads every stored post. Unreadable documents are logged and skipped.
func (s *Store) List(ctx context.Context) ([]*ghosler.Post, error) {
	keys, err := s.backend.keys(ctx)
	if err != nil {
		return nil, err
	}

	var posts []*ghosler.Post
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") || PostKey(strings.TrimSuffix(key, ".json")) == "" {
			continue
		}
		post, err := s.load(ctx, key)
		if err != nil {
			s.logger.Warn("Failed to load post", "key", key, "error", err)
			continue
		}
		posts = append(posts, post)
	}
	return posts, nil
}

// Overview aggregates newsletter counters across every stored post.
type Overview struct {
	Posts int `json:"posts"`
	Sent  int `json:"sent"`
	Opens int `json:"opens"`
}

// Overview summarizes all stored posts.
func (s *Store) Overview(ctx context.Context) (Overview, error) {
	posts, err := s.List(ctx)
	if err != nil {
		return Overview{}, fmt.Errorf("list posts: %w", err)
	}
	var o Overview
	for _, p := range posts {
		o.Posts++
		o.Sent += p.Stats.EmailsSent
		o.Opens += p.Stats.OpenCount()
	}
	return o, nil
}

// IsNotFound checks if an error indicates a post was not found.
// The message check covers errors that lost their chain inside retry aggregation.
func IsNotFound(err error) bool {
	return err != nil && (errors.Is(err, ErrNotFound) || strings.Contains(err.Error(), ErrNotFound.Error()))
}
