package workflow

import (
	"strings"

	"github.com/JakeFAU/autoapply/internal/jobs"
)

// FieldKind selects how a field is populated.
type FieldKind string

// Field kinds.
const (
	FieldText   FieldKind = "text"
	FieldSelect FieldKind = "select"
)

// Field maps one form control to a value taken from the resume. Value names a
// contact key (first_name, last_name, full_name, email, phone, location,
// linkedin, website) or "answer:<key>" for a prepared answer.
type Field struct {
	Selector string    `mapstructure:"selector"`
	Value    string    `mapstructure:"value"`
	Kind     FieldKind `mapstructure:"kind"`
	Required bool      `mapstructure:"required"`
}

// Strategy describes how to apply on one kind of site. Selectors may list
// comma-separated alternatives.
type Strategy struct {
	Name             string   `mapstructure:"name"`
	ApplyButton      string   `mapstructure:"apply_button"`
	Form             string   `mapstructure:"form"`
	Fields           []Field  `mapstructure:"fields"`
	Upload           string   `mapstructure:"upload"`
	Submit           string   `mapstructure:"submit"`
	Confirmation     string   `mapstructure:"confirmation"`
	ConfirmationText []string `mapstructure:"confirmation_text"`
	ErrorBanner      string   `mapstructure:"error_banner"`
}

// DefaultStrategy targets common application form markup.
func DefaultStrategy() Strategy {
	return Strategy{
		Name:        "default",
		ApplyButton: `a[href*="apply"], button[data-action="apply"], #apply-button, .apply-button`,
		Form:        `form#application-form, form.application-form, form[action*="apply"]`,
		Fields: []Field{
			{Selector: `input[name="first_name"], input[name="firstName"], #first_name`, Value: "first_name", Required: true},
			{Selector: `input[name="last_name"], input[name="lastName"], #last_name`, Value: "last_name", Required: true},
			{Selector: `input[type="email"], input[name="email"]`, Value: "email", Required: true},
			{Selector: `input[type="tel"], input[name="phone"]`, Value: "phone"},
			{Selector: `input[name="location"], #location`, Value: "location"},
			{Selector: `input[name*="linkedin"], #linkedin`, Value: "linkedin"},
			{Selector: `input[name="website"], input[name*="portfolio"]`, Value: "website"},
		},
		Upload:       `input[type="file"]`,
		Submit:       `button[type="submit"], input[type="submit"]`,
		Confirmation: `.application-confirmation, #application-submitted, [data-test="confirmation"]`,
		ConfirmationText: []string{
			"application submitted",
			"application received",
			"thank you for applying",
			"thanks for applying",
		},
		ErrorBanner: `.application-error, .alert-danger, .error-banner`,
	}
}

// Merge returns s with empty settings filled from base.
func (s Strategy) Merge(base Strategy) Strategy {
	out := s
	if out.Name == "" {
		out.Name = base.Name
	}
	pick := func(v, fallback string) string {
		if strings.TrimSpace(v) == "" {
			return fallback
		}
		return v
	}
	out.ApplyButton = pick(out.ApplyButton, base.ApplyButton)
	out.Form = pick(out.Form, base.Form)
	out.Upload = pick(out.Upload, base.Upload)
	out.Submit = pick(out.Submit, base.Submit)
	out.Confirmation = pick(out.Confirmation, base.Confirmation)
	out.ErrorBanner = pick(out.ErrorBanner, base.ErrorBanner)
	if len(out.Fields) == 0 {
		out.Fields = append([]Field(nil), base.Fields...)
	}
	if len(out.ConfirmationText) == 0 {
		out.ConfirmationText = append([]string(nil), base.ConfirmationText...)
	}
	return out
}

// Strategies resolves a Strategy by source name.
type Strategies struct {
	fallback Strategy
	bySource map[string]Strategy
}

// NewStrategies builds a resolver. Per-source strategies inherit unset
// selectors from fallback.
func NewStrategies(fallback Strategy, bySource map[string]Strategy) Strategies {
	m := make(map[string]Strategy, len(bySource))
	for name, s := range bySource {
		if s.Name == "" {
			s.Name = name
		}
		m[name] = s.Merge(fallback)
	}
	return Strategies{fallback: fallback, bySource: m}
}

// For returns the strategy for a job's source.
func (s Strategies) For(source string) Strategy {
	if st, ok := s.bySource[source]; ok {
		return st
	}
	if s.fallback.Form == "" {
		return DefaultStrategy()
	}
	return s.fallback
}

// Value resolves a field value from the resume. Missing values are empty.
func Value(resume jobs.Resume, key string) string {
	if answer, ok := strings.CutPrefix(key, "answer:"); ok {
		return strings.TrimSpace(resume.Answers[answer])
	}
	c := resume.Contact
	switch key {
	case "first_name":
		return c.FirstName
	case "last_name":
		return c.LastName
	case "full_name":
		return c.FullName()
	case "email":
		return c.Email
	case "phone":
		return c.Phone
	case "location":
		return c.Location
	case "linkedin":
		return c.LinkedIn
	case "website":
		return c.Website
	default:
		return ""
	}
}
