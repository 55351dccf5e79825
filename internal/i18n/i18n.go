// Package i18n registers the user-facing message catalogs with x/text/message.
// Keys double as the fallback text when a locale lacks a translation.
package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"
)

// BaseLocale is the locale every other catalog is checked against.
const BaseLocale = "es"

const (
	FeedbackSuboptimal = "feedback.suboptimal_material"
	FeedbackSuccess    = "feedback.success"
	FeedbackFailure    = "feedback.failure"
	AnalysisInProgress = "analysis.in_progress"
	GateBlocked        = "gate.blocked"
)

//go:embed locales/*.yaml
var localesFS embed.FS

type catalogFile struct {
	Locale   string            `yaml:"locale"`
	Messages map[string]string `yaml:"messages"`
}

// Bundle is the parsed set of locale catalogs.
type Bundle struct {
	locales map[string]map[string]string
}

var (
	registerOnce sync.Once
	registered   *Bundle
	registerErr  error
)

// Load parses every locales/*.yaml file in fsys. Each non-base locale must
// define exactly the keys of the base locale.
func Load(fsys fs.FS) (*Bundle, error) {
	paths, err := fs.Glob(fsys, "locales/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("glob locale catalogs: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no locale catalogs found")
	}
	sort.Strings(paths)
	b := &Bundle{locales: map[string]map[string]string{}}
	for _, p := range paths {
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("read catalog %s: %w", p, err)
		}
		var f catalogFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse catalog %s: %w", p, err)
		}
		want := strings.TrimSuffix(path.Base(p), ".yaml")
		if f.Locale != want {
			return nil, fmt.Errorf("catalog %s: locale %q must match file name", p, f.Locale)
		}
		if len(f.Messages) == 0 {
			return nil, fmt.Errorf("catalog %s: messages map is required", p)
		}
		b.locales[f.Locale] = f.Messages
	}
	base, ok := b.locales[BaseLocale]
	if !ok {
		return nil, fmt.Errorf("base locale %s is not defined", BaseLocale)
	}
	for loc, msgs := range b.locales {
		for key := range base {
			if _, ok := msgs[key]; !ok {
				return nil, fmt.Errorf("locale %s: missing key %q", loc, key)
			}
		}
		for key := range msgs {
			if _, ok := base[key]; !ok {
				return nil, fmt.Errorf("locale %s: key %q not in base locale", loc, key)
			}
		}
	}
	return b, nil
}

// Register makes the bundle's messages visible to message.NewPrinter.
func (b *Bundle) Register() error {
	for _, loc := range b.Locales() {
		tag, err := language.Parse(loc)
		if err != nil {
			return fmt.Errorf("parse locale tag %q: %w", loc, err)
		}
		for key, value := range b.locales[loc] {
			if err := message.SetString(tag, key, value); err != nil {
				return fmt.Errorf("register %s/%s: %w", loc, key, err)
			}
		}
	}
	return nil
}

func (b *Bundle) Locales() []string {
	out := make([]string, 0, len(b.locales))
	for loc := range b.locales {
		out = append(out, loc)
	}
	sort.Strings(out)
	return out
}

func (b *Bundle) HasLocale(locale string) bool {
	_, ok := b.locales[locale]
	return ok
}

// Default loads and registers the embedded catalogs once.
func Default() (*Bundle, error) {
	registerOnce.Do(func() {
		b, err := Load(localesFS)
		if err != nil {
			registerErr = err
			return
		}
		if err := b.Register(); err != nil {
			registerErr = err
			return
		}
		registered = b
	})
	return registered, registerErr
}

// Printer returns a printer for locale, falling back to BaseLocale for
// locales without a catalog.
func Printer(locale string) *message.Printer {
	b, err := Default()
	if err != nil {
		panic(fmt.Sprintf("embedded locale catalogs: %v", err))
	}
	if !b.HasLocale(locale) {
		locale = BaseLocale
	}
	return message.NewPrinter(language.MustParse(locale))
}

// Date renders t as a long calendar date in the printer's language.
func Date(p *message.Printer, t time.Time) string {
	month := p.Sprintf(fmt.Sprintf("month.%d", int(t.Month())))
	return p.Sprintf("report.date", t.Day(), month, t.Year())
}
