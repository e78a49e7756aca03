// Package profile provides the applicant profile sent to the classifier.
package profile

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spigell/hh-sieve/internal/filtering"
	"github.com/spigell/hh-sieve/internal/headhunter"
)

// Static is a fixed profile text.
type Static string

func (s Static) Profile(context.Context) (string, error) { return string(s), nil }

// FromFile reads the profile text from path.
func FromFile(path string) (Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read profile file: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("profile file %s is empty", path)
	}
	return Static(text), nil
}

// ResumeFetcher is the part of the hh.ru client used to load resumes.
type ResumeFetcher interface {
	GetMineResumes(ctx context.Context) (*headhunter.Resumes, error)
	GetResumeDetails(ctx context.Context, id string) (*headhunter.ResumeDetails, error)
}

// Resume builds the profile from an hh.ru resume selected by title. The
// resume is fetched once and reused.
type Resume struct {
	client ResumeFetcher
	title  string

	mu   sync.Mutex
	text string
}

func NewResume(client ResumeFetcher, title string) *Resume {
	return &Resume{client: client, title: strings.TrimSpace(title)}
}

func (r *Resume) Profile(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.text != "" {
		return r.text, nil
	}

	resumes, err := r.client.GetMineResumes(ctx)
	if err != nil {
		return "", err
	}

	resume := resumes.FindByTitle(r.title)
	if resume == nil {
		return "", fmt.Errorf("%w: resume %q not found, available: %s", filtering.ErrConfig, r.title, strings.Join(resumes.Titles(), ", "))
	}

	details, err := r.client.GetResumeDetails(ctx, resume.ID)
	if err != nil {
		return "", err
	}

	text, err := details.Profile()
	if err != nil {
		return "", err
	}

	r.text = text
	return r.text, nil
}
