package headhunter

import (
	"encoding/json"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spigell/hh-sieve/internal/posting"
)

const (
	VacancyIDField         = "ID"
	VacancyEmployerIDField = "EmployerID"
)

type Vacancies struct {
	Items []*Vacancy
}

type Vacancy struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Area struct {
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
		URL  string `json:"url,omitempty"`
	} `json:"area,omitempty"`
	HasTest bool `json:"has_test,omitempty"`
	Salary  struct {
		From     int    `json:"from,omitempty"`
		To       int    `json:"to,omitempty"`
		Currency string `json:"currency,omitempty"`
		Gross    bool   `json:"gross,omitempty"`
	} `json:"salary,omitempty"`
	Experience struct {
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"experience,omitempty"`
	Schedule struct {
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"schedule,omitempty"`
	Employer struct {
		ID           string `json:"id,omitempty"`
		Name         string `json:"name,omitempty"`
		URL          string `json:"url,omitempty"`
		AlternateURL string `json:"alternate_url,omitempty"`
		LogoUrls     struct {
			Original string `json:"original,omitempty"`
		} `json:"logo_urls,omitempty"`
		VacanciesURL string `json:"vacancies_url,omitempty"`
		Trusted      bool   `json:"trusted,omitempty"`
	} `json:"employer,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
	AlternateURL string `json:"alternate_url,omitempty"`
	Employment   struct {
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"employment,omitempty"`
	Description string `json:"description,omitempty"`
	KeySkills   []struct {
		Name string `json:"name,omitempty"`
	} `json:"key_skills,omitempty"`
	Archived bool `json:"archived,omitempty"`
	Snipet   struct {
		Requirement    string `json:"requirement,omitempty"`
		Responsibility string `json:"responsibility,omitempty"`
	} `json:"snippet,omitempty"`
	Specializations []struct {
		ID           string `json:"id,omitempty"`
		Name         string `json:"name,omitempty"`
		ProfareaID   string `json:"profarea_id,omitempty"`
		ProfareaName string `json:"profarea_name,omitempty"`
	} `json:"specializations,omitempty"`
	ProfessionalRoles []struct {
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"professional_roles,omitempty"`
	PublishedAt string `json:"published_at,omitempty"`
}

type ExcludedVacancies struct {
	Items []*ExcludedVacancy
}

type ExcludedVacancy struct {
	ID           string
	URL          string
	EmployerName string
	ExcludedAt   time.Time
}

// GetExludedVacanciesFromFile reads an exclude file. An empty file excludes nothing.
func GetExludedVacanciesFromFile(path string) (*ExcludedVacancies, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, err
	}

	if stat.Size() == 0 {
		return &ExcludedVacancies{}, nil
	}

	var excluded ExcludedVacancies
	if err := json.NewDecoder(file).Decode(&excluded); err != nil {
		return nil, err
	}
	return &excluded, nil
}

func (v *ExcludedVacancies) VacanciesIDs() []string {
	ids := make([]string, 0, len(v.Items))
	for _, vacancy := range v.Items {
		ids = append(ids, vacancy.ID)
	}
	return ids
}

func (va *Vacancy) GetStringField(name string) string {
	switch name {
	case VacancyIDField:
		return va.ID
	case VacancyEmployerIDField:
		return va.Employer.ID

	default:
		return ""
	}
}

// ToPosting converts the vacancy into a posting. Only the fields useful for
// screening are carried over.
func (va *Vacancy) ToPosting() posting.Posting {
	fields := map[string]any{
		"area":        va.Area.Name,
		"employer_id": va.Employer.ID,
		"experience":  va.Experience.Name,
		"schedule":    va.Schedule.Name,
		"employment":  va.Employment.Name,
		"has_test":    va.HasTest,
	}
	if va.Salary.From > 0 || va.Salary.To > 0 {
		fields["salary"] = map[string]any{
			"from":     va.Salary.From,
			"to":       va.Salary.To,
			"currency": va.Salary.Currency,
			"gross":    va.Salary.Gross,
		}
	}
	if va.Snipet.Requirement != "" {
		fields["requirement"] = va.Snipet.Requirement
	}
	if va.Snipet.Responsibility != "" {
		fields["responsibility"] = va.Snipet.Responsibility
	}
	if va.Description != "" {
		fields["description"] = va.Description
	}
	if len(va.KeySkills) > 0 {
		skills := make([]string, 0, len(va.KeySkills))
		for _, s := range va.KeySkills {
			skills = append(skills, s.Name)
		}
		fields["key_skills"] = skills
	}
	if len(va.ProfessionalRoles) > 0 {
		roles := make([]string, 0, len(va.ProfessionalRoles))
		for _, r := range va.ProfessionalRoles {
			roles = append(roles, r.Name)
		}
		fields["professional_roles"] = roles
	}
	if va.PublishedAt != "" {
		fields["published_at"] = va.PublishedAt
	}

	for k, v := range fields {
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			delete(fields, k)
		}
	}

	return posting.Posting{
		ID:      va.ID,
		Title:   va.Name,
		Company: va.Employer.Name,
		URL:     va.AlternateURL,
		Fields:  fields,
	}
}

// Postings converts all vacancies, keeping their order.
func (v *Vacancies) Postings() []posting.Posting {
	out := make([]posting.Posting, 0, len(v.Items))
	for _, vacancy := range v.Items {
		out = append(out, vacancy.ToPosting())
	}
	return out
}

func (v *Vacancies) Len() int {
	return len(v.Items)
}

func (v *Vacancies) FindByID(id string) *Vacancy {
	for _, vacancy := range v.Items {
		if vacancy.ID == id {
			return vacancy
		}
	}
	return nil
}

// ExcludeWithTest removes vacancies that require a test and returns their ids.
func (v *Vacancies) ExcludeWithTest() []string {
	var excluded []string
	v.Items = slices.DeleteFunc(v.Items, func(vacancy *Vacancy) bool {
		if vacancy.HasTest {
			excluded = append(excluded, vacancy.ID)
			return true
		}
		return false
	})
	return excluded
}

// Exclude removes every vacancy whose field matches one of targets and
// returns the removed ids. Order is preserved.
func (v *Vacancies) Exclude(name string, targets []string) []string {
	if len(targets) == 0 {
		return nil
	}
	set := posting.NewIDSet(targets...)

	var excluded []string
	v.Items = slices.DeleteFunc(v.Items, func(vacancy *Vacancy) bool {
		if set.Has(vacancy.GetStringField(name)) {
			excluded = append(excluded, vacancy.ID)
			return true
		}
		return false
	})
	return excluded
}
