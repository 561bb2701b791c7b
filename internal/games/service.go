package games

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fcg/games/internal/db"
	"github.com/fcg/games/internal/notify"
	"github.com/fcg/games/internal/repo"
	"go.uber.org/zap"
)

const (
	maxNameLength        = 100
	maxDescriptionLength = 500
)

var (
	ErrGameNotFound = errors.New("game not found")
	ErrInvalidGame  = errors.New("invalid game")
)

// Input is the writable part of a game.
type Input struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	DateRelease time.Time `json:"dateRelease"`
}

// Option configures a Service
type Option func(*Service)

// WithChangeHook registers h to run after a game is updated or deleted.
func WithChangeHook(h func(ctx context.Context, gameID int64)) Option {
	return func(s *Service) { s.hooks = append(s.hooks, h) }
}

// Service manages the game catalog
type Service struct {
	store *repo.Store
	log   *zap.Logger
	hooks []func(ctx context.Context, gameID int64)
}

// NewService creates a game service
func NewService(store *repo.Store, log *zap.Logger, opts ...Option) *Service {
	s := &Service{store: store, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns every game
func (s *Service) List(ctx context.Context) ([]db.Game, error) {
	return s.store.Games().List(ctx)
}

// Get returns one game
func (s *Service) Get(ctx context.Context, id int64) (*db.Game, error) {
	game, err := s.store.Games().GetByID(ctx, id)
	if errors.Is(err, repo.ErrGameNotFound) {
		return nil, notFound(ctx)
	}
	return game, err
}

// Create validates and stores a new game
func (s *Service) Create(ctx context.Context, in Input) (*db.Game, error) {
	if err := validate(ctx, in); err != nil {
		return nil, err
	}

	game := &db.Game{
		Name:        strings.TrimSpace(in.Name),
		Description: strings.TrimSpace(in.Description),
		DateRelease: in.DateRelease.UTC(),
	}
	if err := s.store.Games().Create(ctx, game); err != nil {
		return nil, err
	}
	return game, nil
}

// Update validates and overwrites an existing game
func (s *Service) Update(ctx context.Context, id int64, in Input) (*db.Game, error) {
	if err := validate(ctx, in); err != nil {
		return nil, err
	}

	game := &db.Game{
		ID:          id,
		Name:        strings.TrimSpace(in.Name),
		Description: strings.TrimSpace(in.Description),
		DateRelease: in.DateRelease.UTC(),
	}
	if err := s.store.Games().Update(ctx, game); err != nil {
		if errors.Is(err, repo.ErrGameNotFound) {
			return nil, notFound(ctx)
		}
		return nil, err
	}

	s.changed(ctx, id)
	return s.Get(ctx, id)
}

// Delete removes a game and its stock
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.store.Games().Delete(ctx, id); err != nil {
		if errors.Is(err, repo.ErrGameNotFound) {
			return notFound(ctx)
		}
		return err
	}
	s.changed(ctx, id)
	return nil
}

func (s *Service) changed(ctx context.Context, id int64) {
	for _, h := range s.hooks {
		h(ctx, id)
	}
}

func notFound(ctx context.Context) error {
	return notify.Reject(ctx, ErrGameNotFound, notify.CodeGameNotFound, "Game not found.")
}

// validate publishes every violation and returns a rejection carrying the first one.
func validate(ctx context.Context, in Input) error {
	var problems []string

	name := strings.TrimSpace(in.Name)
	switch {
	case name == "":
		problems = append(problems, "O nome do jogo é obrigatório.")
	case utf8.RuneCountInString(name) > maxNameLength:
		problems = append(problems, "O nome do jogo não pode exceder 100 caracteres.")
	}

	description := strings.TrimSpace(in.Description)
	switch {
	case description == "":
		problems = append(problems, "A descrição do jogo é obrigatória.")
	case utf8.RuneCountInString(description) > maxDescriptionLength:
		problems = append(problems, "A descrição do jogo não pode exceder 500 caracteres.")
	}

	if in.DateRelease.IsZero() {
		problems = append(problems, "A data de lançamento do jogo é obrigatória.")
	}

	if len(problems) == 0 {
		return nil
	}
	for _, p := range problems {
		notify.Publish(ctx, notify.CodeInvalidGame, p)
	}
	return &notify.Rejection{Code: notify.CodeInvalidGame, Message: problems[0], Err: ErrInvalidGame}
}
