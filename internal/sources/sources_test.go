package sources

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spigell/hh-sieve/internal/headhunter"
	"github.com/spigell/hh-sieve/internal/posting"
)

type stubSearcher struct {
	vacancies    func() *headhunter.Vacancies
	negotiations *headhunter.Negotations
	searches     int
	details      map[string]string
}

func (s *stubSearcher) Search(context.Context, *headhunter.SearchParams) (*headhunter.Vacancies, error) {
	s.searches++
	return s.vacancies(), nil
}

func (s *stubSearcher) GetNegotiations(context.Context) (*headhunter.Negotations, error) {
	if s.negotiations == nil {
		return nil, errors.New("unauthorized")
	}
	return s.negotiations, nil
}

func (s *stubSearcher) GetVacancy(_ context.Context, id string) (*headhunter.Vacancy, error) {
	description, ok := s.details[id]
	if !ok {
		return nil, errors.New("vacancy " + id + " is gone")
	}
	v := vacancy(id, "e1", false)
	v.Description = description
	return v, nil
}

func vacancy(id, employer string, hasTest bool) *headhunter.Vacancy {
	v := &headhunter.Vacancy{ID: id, Name: "Vacancy " + id, HasTest: hasTest}
	v.Employer.ID = employer
	return v
}

func newStubSearcher() *stubSearcher {
	return &stubSearcher{vacancies: func() *headhunter.Vacancies {
		return &headhunter.Vacancies{Items: []*headhunter.Vacancy{
			vacancy("1", "e1", false),
			vacancy("2", "e2", true),
			vacancy("3", "e3", false),
			vacancy("4", "e1", false),
			vacancy("5", "e4", false),
		}}
	}}
}

func postingIDs(postings []posting.Posting) string {
	ids := make([]string, len(postings))
	for i, p := range postings {
		ids[i] = p.ID
	}
	return strings.Join(ids, ",")
}

func TestHeadhunterSourceExclusions(t *testing.T) {
	excludeFile := filepath.Join(t.TempDir(), "excluded.json")
	if err := os.WriteFile(excludeFile, []byte(`{"Items":[{"ID":"3"}]}`), 0o600); err != nil {
		t.Fatal(err)
	}

	hh := newStubSearcher()
	hh.negotiations = &headhunter.Negotations{{Vacancy: vacancy("5", "e4", false)}}

	r, err := NewRegistry(map[string]Config{
		"go": {
			Kind:             KindHeadhunter,
			Search:           &headhunter.SearchParams{Text: "golang"},
			ExcludeEmployers: []string{"e1"},
			ExcludeWithTest:  true,
			ExcludeFile:      excludeFile,
			ExcludeApplied:   true,
		},
	}, hh, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	postings, err := r.ListPostings(context.Background(), "go")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if postingIDs(postings) != "" {
		t.Fatalf("expected every vacancy to be excluded, got %s", postingIDs(postings))
	}

	hh.negotiations = &headhunter.Negotations{}
	r.sources["go"].(*HeadhunterSource).cfg.ExcludeFile = ""
	postings, err = r.ListPostings(context.Background(), "go")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if postingIDs(postings) != "3,5" {
		t.Fatalf("unexpected postings: %s", postingIDs(postings))
	}
}

func TestHeadhunterSourceFetchesDetails(t *testing.T) {
	hh := newStubSearcher()
	hh.details = map[string]string{"1": "Go and Kafka", "2": "PHP", "3": "Kubernetes", "4": "Rust", "5": "Terraform"}

	r, err := NewRegistry(map[string]Config{
		"go": {Search: &headhunter.SearchParams{Text: "golang"}, FetchDetails: true},
	}, hh, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	postings, err := r.ListPostings(context.Background(), "go")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if postingIDs(postings) != "1,2,3,4,5" {
		t.Fatalf("order changed: %s", postingIDs(postings))
	}
	if got := postings[2].Fields["description"]; got != "Kubernetes" {
		t.Fatalf("description of posting 3 = %v", got)
	}

	delete(hh.details, "4")
	if _, err := r.ListPostings(context.Background(), "go"); err == nil || !strings.Contains(err.Error(), "vacancy 4 is gone") {
		t.Fatalf("expected lookup failure, got %v", err)
	}
}

func TestRegistryUnknownSource(t *testing.T) {
	r, err := NewRegistry(nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.ListPostings(context.Background(), "missing"); !errors.Is(err, posting.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRegistryValidation(t *testing.T) {
	cases := map[string]Config{
		"no search": {Kind: KindHeadhunter},
		"no file":   {Kind: KindFile},
		"bad kind":  {Kind: "rss"},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := NewRegistry(map[string]Config{"x": cfg}, newStubSearcher(), nil, nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := NewRegistry(map[string]Config{"x": {Search: &headhunter.SearchParams{}}}, nil, nil, nil); err == nil {
		t.Fatal("expected error without hh client")
	}
}

func TestRegistryReusesSameDayScrape(t *testing.T) {
	hh := newStubSearcher()
	cache := NewDayCache(t.TempDir())
	r, err := NewRegistry(map[string]Config{"go": {Search: &headhunter.SearchParams{}}}, hh, cache, nil)
	if err != nil {
		t.Fatal(err)
	}

	day := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return day }

	for i := 0; i < 2; i++ {
		postings, err := r.ListPostings(context.Background(), "go")
		if err != nil || len(postings) != 5 {
			t.Fatalf("unexpected result: %d postings, %v", len(postings), err)
		}
	}
	if hh.searches != 1 {
		t.Fatalf("expected one scrape per day, got %d", hh.searches)
	}

	r.now = func() time.Time { return day.Add(24 * time.Hour) }
	if _, err := r.ListPostings(context.Background(), "go"); err != nil {
		t.Fatal(err)
	}
	if hh.searches != 2 {
		t.Fatalf("expected a new scrape on the next day, got %d", hh.searches)
	}
}

func TestDayCachePersists(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	if err := NewDayCache(dir).Put("hh/go", []posting.Posting{{ID: "1"}}, day); err != nil {
		t.Fatalf("put: %v", err)
	}

	postings, ok := NewDayCache(dir).Get("hh/go", day.Add(time.Hour))
	if !ok || len(postings) != 1 || postings[0].ID != "1" {
		t.Fatalf("expected cached postings after restart, got %v %v", postings, ok)
	}
	if _, ok := NewDayCache(dir).Get("hh/go", day.Add(24*time.Hour)); ok {
		t.Fatal("expected entry to expire on the next day")
	}
	if _, ok := NewDayCache("").Get("hh/go", day); ok {
		t.Fatal("memory cache must start empty")
	}
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()

	cases := map[string]string{
		"list.json":   `[{"id":"1","title":"Go"},{"id":"2"}]`,
		"object.json": `{"postings":[{"id":"1"},{"id":"2","fields":{"area":"Berlin"}}]}`,
		"list.yaml":   "- id: \"1\"\n  title: Go\n- id: \"2\"\n",
		"object.yml":  "postings:\n  - id: \"1\"\n  - id: \"2\"\n    fields:\n      area: Berlin\n",
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
				t.Fatal(err)
			}
			postings, err := (&FileSource{Path: path}).Postings(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if postingIDs(postings) != "1,2" {
				t.Fatalf("unexpected postings: %+v", postings)
			}
		})
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`[{"title":"no id"}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := (&FileSource{Path: bad}).Postings(context.Background()); err == nil {
		t.Fatal("expected error for posting without id")
	}
}
