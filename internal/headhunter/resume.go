package headhunter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

type Resumes struct {
	Items []*Resume
}

type Resume struct {
	Title string
	ID    string `json:"id,omitempty"`
}

type ResumeDetails struct {
	ID    string
	Title string
	Raw   map[string]any
}

// GetMineResumes lists the resumes of the token owner.
func (c *Client) GetMineResumes(ctx context.Context) (*Resumes, error) {
	return c.getResumes(ctx, mineResumID)
}

func (c *Client) getResumes(ctx context.Context, id string) (*Resumes, error) {
	apiURLMineResumes := fmt.Sprintf("%s/resumes/%s", c.APIURL, id)

	items, err := c.GetItems(ctx, apiURLMineResumes, nil)
	if err != nil {
		return nil, fmt.Errorf("get resumes: %w", err)
	}

	var resumes []*Resume
	if err = mapstructure.Decode(items, &resumes); err != nil {
		return nil, err
	}

	return &Resumes{
		Items: resumes,
	}, nil
}

func (r *Resumes) Len() int {
	return len(r.Items)
}

func (r *Resumes) Titles() []string {
	ids := make([]string, 0, len(r.Items))

	for _, v := range r.Items {
		ids = append(ids, v.Title)
	}

	return ids
}

// FindByTitle matches titles ignoring case and surrounding spaces.
func (r *Resumes) FindByTitle(title string) *Resume {
	title = strings.TrimSpace(title)
	for _, resume := range r.Items {
		if strings.EqualFold(strings.TrimSpace(resume.Title), title) {
			return resume
		}
	}

	return nil
}

// GetResumeDetails returns the full resume as raw JSON fields.
func (c *Client) GetResumeDetails(ctx context.Context, id string) (*ResumeDetails, error) {
	if id == "" {
		return nil, fmt.Errorf("resume id is required")
	}

	apiURL := fmt.Sprintf("%s/resumes/%s", c.APIURL, id)

	var raw map[string]any
	if err := c.getJSON(ctx, apiURL, nil, &raw); err != nil {
		return nil, fmt.Errorf("get resume %s: %w", id, err)
	}

	if raw == nil {
		raw = make(map[string]any)
	}

	return &ResumeDetails{
		ID:    valueAsString(raw["id"]),
		Title: valueAsString(raw["title"]),
		Raw:   raw,
	}, nil
}

// profileSections are the resume keys that describe the applicant.
// Contacts, photos and service links never reach the classifier.
var profileSections = []string{
	"title",
	"area",
	"salary",
	"total_experience",
	"experience",
	"skill_set",
	"skills",
	"education",
	"language",
	"schedules",
	"employments",
	"relocation",
}

// Profile renders the applicant sections of the resume as indented JSON.
func (d *ResumeDetails) Profile() (string, error) {
	sections := make(map[string]any, len(profileSections))
	for _, key := range profileSections {
		if v, ok := d.Raw[key]; ok && v != nil {
			sections[key] = v
		}
	}
	if len(sections) == 0 {
		return "", fmt.Errorf("resume %s has no profile sections", d.ID)
	}

	data, err := json.MarshalIndent(sections, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal resume %s: %w", d.ID, err)
	}
	return string(data), nil
}

func valueAsString(v any) string {
	if v == nil {
		return ""
	}

	switch typed := v.(type) {
	case string:
		return typed
	case fmt.Stringer:
		return typed.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
