package headhunter

import (
	"context"
	"fmt"
	"net/url"
	"reflect"
	"strconv"

	"github.com/mitchellh/mapstructure"
)

const (
	SearchPath  = "/vacancies"
	VacancyPath = "/vacancies/%s"
)

type SearchParams struct {
	Text string `yaml:"text"`
	// hhparam is custom tag for reflect. Please see below.
	Areas       []int    `hhparam:"area"`
	Clusters    bool     `yaml:"clusters"`
	OrderBy     string   `yaml:"order_by" mapstructure:"order_by"`
	Employer    uint     `yaml:"employer_id" mapstructure:"employer_id"`
	SearchField string   `yaml:"search_field" mapstructure:"search_field"`
	Schedules   []string `hhparam:"schedule"`
	PerPage     string   `yaml:"per_page" mapstructure:"per_page"`
	Experience  string   `yaml:"experience"`
	Period      uint     `yaml:"period"`
}

// Search returns all vacancies matching params, across every result page.
func (c *Client) Search(ctx context.Context, params *SearchParams) (*Vacancies, error) {
	if params == nil {
		return nil, fmt.Errorf("search params are required")
	}

	p := *params
	// Set per_page max as possible. It should be faster.
	if p.PerPage == "" {
		p.PerPage = perPage
	}

	items, err := c.GetItems(ctx, c.APIURL+SearchPath, buildParams(&p))
	if err != nil {
		return nil, fmt.Errorf("search vacancies: %w", err)
	}

	vacancies, err := decodeVacancies(items)
	if err != nil {
		return nil, err
	}

	return &Vacancies{Items: vacancies}, nil
}

// GetVacancy returns the full vacancy, description included.
func (c *Client) GetVacancy(ctx context.Context, id string) (*Vacancy, error) {
	if id == "" {
		return nil, fmt.Errorf("vacancy id is required")
	}

	var vacancy Vacancy
	if err := c.getJSON(ctx, c.APIURL+fmt.Sprintf(VacancyPath, url.PathEscape(id)), nil, &vacancy); err != nil {
		return nil, fmt.Errorf("get vacancy %s: %w", id, err)
	}
	return &vacancy, nil
}

func decodeVacancies(items []Item) ([]*Vacancy, error) {
	var vacancies []*Vacancy

	cfg := &mapstructure.DecoderConfig{
		Metadata:         nil,
		Result:           &vacancies,
		TagName:          "json",
		WeaklyTypedInput: true,
	}
	decoder, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(items); err != nil {
		return nil, fmt.Errorf("decode vacancies: %w", err)
	}

	return vacancies, nil
}

func buildParams(params *SearchParams) url.Values {
	q := url.Values{}
	fields := reflect.VisibleFields(reflect.TypeOf(*params))
	for _, field := range fields {
		// Our custom tag is using here.
		key := field.Tag.Get("hhparam")
		if key == "" {
			// Failover to default tag if our tag do not exist.
			key = field.Tag.Get("yaml")
		}
		kind := field.Type.Kind()
		switch kind {
		case reflect.Slice:

			s := reflect.ValueOf(params).Elem().Field(field.Index[0]).Interface()
			switch v := s.(type) {
			case []int:
				for _, value := range v {
					q.Add(key, strconv.Itoa(value))
				}

			case []string:
				for _, value := range v {
					q.Add(key, value)
				}
			}

		default:
			value := fmt.Sprintf("%v", reflect.ValueOf(params).Elem().Field(field.Index[0]).Interface())
			if value != "" && value != "0" && value != "false" {
				q.Set(key, value)
			}
		}
	}

	return q
}
