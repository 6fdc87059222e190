package bot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var ErrValidation = errors.New("validation failed")

const (
	maxNameLen     = 255
	maxModelLen    = 100
	maxPromptLen   = 5000
	maxGreetingLen = 1000
	maxAvatarLen   = 500
)

var modelNameRe = regexp.MustCompile(`^[a-zA-Z0-9\-_.:]+$`)

// Params carries the admin-supplied fields for creating or updating a
// chatbot. Validation happens here, not at the call sites.
type Params struct {
	Name         string `json:"name"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
	Greeting     string `json:"greeting"`
	AvatarURL    string `json:"avatar_url"`
	Active       *bool  `json:"active"`
}

func (p *Params) validate() error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" || utf8.RuneCountInString(p.Name) > maxNameLen {
		return fmt.Errorf("%w: name must be between 1 and %d characters", ErrValidation, maxNameLen)
	}

	p.Model = strings.TrimSpace(p.Model)
	if p.Model == "" || len(p.Model) > maxModelLen {
		return fmt.Errorf("%w: model must be between 1 and %d characters", ErrValidation, maxModelLen)
	}
	if !modelNameRe.MatchString(p.Model) {
		return fmt.Errorf("%w: model name contains invalid characters", ErrValidation)
	}

	if utf8.RuneCountInString(p.SystemPrompt) > maxPromptLen {
		return fmt.Errorf("%w: system prompt cannot exceed %d characters", ErrValidation, maxPromptLen)
	}
	if utf8.RuneCountInString(p.Greeting) > maxGreetingLen {
		return fmt.Errorf("%w: greeting cannot exceed %d characters", ErrValidation, maxGreetingLen)
	}

	if p.AvatarURL != "" {
		if len(p.AvatarURL) > maxAvatarLen {
			return fmt.Errorf("%w: avatar URL cannot exceed %d characters", ErrValidation, maxAvatarLen)
		}
		u, err := url.Parse(p.AvatarURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%w: invalid avatar URL", ErrValidation)
		}
	}

	return nil
}

type Service struct {
	repo *Repo
}

func NewService(repo *Repo) *Service {
	return &Service{repo: repo}
}

func (s *Service) Create(ctx context.Context, p Params) (*Chatbot, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	active := true
	if p.Active != nil {
		active = *p.Active
	}

	b := &Chatbot{
		Name:         p.Name,
		Model:        p.Model,
		SystemPrompt: p.SystemPrompt,
		Greeting:     p.Greeting,
		AvatarURL:    p.AvatarURL,
		Active:       active,
	}
	if err := s.repo.Create(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Service) Update(ctx context.Context, id uint64, p Params) (*Chatbot, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	b, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	b.Name = p.Name
	b.Model = p.Model
	b.SystemPrompt = p.SystemPrompt
	b.Greeting = p.Greeting
	b.AvatarURL = p.AvatarURL
	if p.Active != nil {
		b.Active = *p.Active
	}

	if err := s.repo.Save(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Service) Get(ctx context.Context, id uint64) (*Chatbot, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]Chatbot, error) {
	return s.repo.List(ctx)
}

func (s *Service) ListActive(ctx context.Context) ([]Chatbot, error) {
	return s.repo.ListActive(ctx)
}

// Delete removes the chatbot and everything that hangs off it (sessions,
// messages, contact records).
func (s *Service) Delete(ctx context.Context, id uint64) error {
	return s.repo.DeleteCascade(ctx, id)
}
