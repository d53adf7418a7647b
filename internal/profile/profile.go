// Package profile mines user attributes (first name, age, city, interests) from free
// text with the language model and merges them into the durable profile store.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/genai"
	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/store"
)

// DefaultTimeout bounds one extraction call.
const DefaultTimeout = 8 * time.Second

// Error variables for better error handling and testability
var (
	ErrNoObject  = errors.New("extraction reply is not a JSON object")
	ErrMalformed = errors.New("extraction reply is malformed JSON")
	ErrNoClient  = errors.New("no language model configured")
)

const extractionPrompt = `Voici le message d'un utilisateur : '%s'.
Si tu peux en déduire un prénom, un âge, une ville ou des centres d’intérêt, réponds uniquement avec un objet JSON utilisant les clés "prénom", "âge", "ville" et "intérêts".
N'ajoute aucune clé dont tu n'es pas sûre. Si tu ne peux rien déduire, réponds exactement {}.`

// keyAliases maps keys the model sometimes returns onto the canonical attribute names.
var keyAliases = map[string]string{
	"prénom":            models.AttrFirstName,
	"prenom":            models.AttrFirstName,
	"nom":               models.AttrFirstName,
	"name":              models.AttrFirstName,
	"first_name":        models.AttrFirstName,
	"firstname":         models.AttrFirstName,
	"âge":               models.AttrAge,
	"age":               models.AttrAge,
	"ville":             models.AttrCity,
	"city":              models.AttrCity,
	"intérêts":          models.AttrInterests,
	"interets":          models.AttrInterests,
	"centres d'intérêt": models.AttrInterests,
	"centres d’intérêt": models.AttrInterests,
	"interests":         models.AttrInterests,
}

// Result is the outcome of one best-effort extraction. Err is informational: callers
// log it and carry on.
type Result struct {
	Attributes map[string]string
	Profile    *models.Profile
	Changed    bool
	Err        error
}

// OK reports whether the extraction ran without error.
func (r Result) OK() bool {
	return r.Err == nil
}

// Extractor runs profile extraction against a language model and a profile store.
type Extractor struct {
	llm     genai.ClientInterface
	store   store.Store
	timeout time.Duration
	now     func() time.Time
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Extractor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) {
		e.now = now
	}
}

// NewExtractor creates an Extractor.
func NewExtractor(llm genai.ClientInterface, st store.Store, opts ...Option) *Extractor {
	e := &Extractor{llm: llm, store: st, timeout: DefaultTimeout, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract asks the model for attributes in text and merges non-empty results into the
// user's durable profile, flushing it immediately. It never panics and never returns
// an error directly; failures are reported in Result.Err.
func (e *Extractor) Extract(ctx context.Context, userID, text string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Extractor.Extract: recovered from panic", "userID", userID, "panic", r)
			res = Result{Err: fmt.Errorf("extraction panicked: %v", r)}
		}
	}()

	if e.llm == nil {
		return Result{Err: ErrNoClient}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	raw, err := e.llm.GenerateWithMessages(ctx, []genai.Message{
		{Role: genai.RoleUser, Content: fmt.Sprintf(extractionPrompt, text)},
	})
	if err != nil {
		slog.Debug("Extractor.Extract: model call failed", "userID", userID, "error", err)
		return Result{Err: fmt.Errorf("extraction call failed: %w", err)}
	}

	attrs, err := Parse(raw)
	if err != nil {
		slog.Debug("Extractor.Extract: reply not usable", "userID", userID, "error", err)
		return Result{Err: err}
	}
	if len(attrs) == 0 {
		return Result{Attributes: attrs}
	}
	if e.store == nil {
		return Result{Attributes: attrs}
	}

	p, changed, err := store.MergeProfile(e.store, userID, attrs, e.now())
	if err != nil {
		slog.Error("Extractor.Extract: failed to persist profile", "userID", userID, "error", err)
		return Result{Attributes: attrs, Err: err}
	}
	slog.Info("Extractor.Extract: profile attributes extracted", "userID", userID, "keys", len(attrs), "changed", changed)
	return Result{Attributes: attrs, Profile: &p, Changed: changed}
}

// Parse decodes the model reply. Only replies whose trimmed text begins with "{" are
// parsed. Scalars are stringified, lists are joined with ", ", and null or empty values
// are dropped.
func Parse(raw string) (map[string]string, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, ErrNoObject
	}

	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	out := make(map[string]string, len(obj))
	for k, v := range obj {
		key := canonicalKey(k)
		if key == "" {
			continue
		}
		if s := stringify(v); s != "" {
			out[key] = s
		}
	}
	return out, nil
}

func canonicalKey(k string) string {
	k = strings.TrimSpace(k)
	if alias, ok := keyAliases[strings.ToLower(k)]; ok {
		return alias
	}
	return k
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "oui"
		}
		return "non"
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := stringify(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		return ""
	}
}
