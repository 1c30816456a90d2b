// Package translate implements the translation adapter (C9, spec.md §4.9):
// a pluggable backend, pass-through-on-error semantics, an LRU cache
// (SPEC_FULL §4 addition), and MESSAGE/TRANSLATE frame handling.
package translate

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/petervdpas/chatbackbone/internal/logging"
	"github.com/petervdpas/chatbackbone/internal/wire"
)

// Backend is the pluggable translation engine named in spec.md §4.9.
type Backend interface {
	Translate(text, targetLang string) (string, error)
}

type cacheKey struct {
	text string
	lang string
}

// Adapter wraps a Backend with the pass-through-on-error rule and an LRU
// cache of (text, targetLang) → translatedText, per SPEC_FULL §4.
type Adapter struct {
	backend   Backend
	cache     *lru.Cache[cacheKey, string]
	metricsFn func(outcome string)

	mu          sync.Mutex
	cacheHits   int
	cacheMisses int
}

// New constructs an Adapter. cacheSize <= 0 disables the cache entirely.
func New(backend Backend, cacheSize int) *Adapter {
	return NewWithMetrics(backend, cacheSize, nil)
}

// NewWithMetrics is New plus an optional callback invoked once per
// Translate call with one of "cache_hit", "ok", "error".
func NewWithMetrics(backend Backend, cacheSize int, metricsFn func(outcome string)) *Adapter {
	a := &Adapter{backend: backend, metricsFn: metricsFn}
	if cacheSize > 0 {
		c, err := lru.New[cacheKey, string](cacheSize)
		if err == nil {
			a.cache = c
		}
	}
	return a
}

func (a *Adapter) mark(outcome string) {
	if a.metricsFn != nil {
		a.metricsFn(outcome)
	}
}

// Translate applies the cache-then-backend-then-pass-through rule of
// spec.md §4.9: on backend failure, the original text is returned unchanged
// rather than propagating the error to the caller.
func (a *Adapter) Translate(text, targetLang string) string {
	key := cacheKey{text: text, lang: targetLang}
	if a.cache != nil {
		if v, ok := a.cache.Get(key); ok {
			a.mu.Lock()
			a.cacheHits++
			a.mu.Unlock()
			a.mark("cache_hit")
			return v
		}
	}

	a.mu.Lock()
	a.cacheMisses++
	a.mu.Unlock()

	out, err := a.backend.Translate(text, targetLang)
	if err != nil {
		logging.Translate.Warnw("backend translate failed, passing through original text", "lang", targetLang, "err", err)
		a.mark("error")
		return text
	}

	if a.cache != nil {
		a.cache.Add(key, out)
	}
	a.mark("ok")
	return out
}

// Stats reports cache hit/miss counters, for metrics.
func (a *Adapter) Stats() (hits, misses int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cacheHits, a.cacheMisses
}

// FillMessage implements the first integration point of spec.md §4.9: when
// msg carries translation content with a non-empty originalText and empty
// translatedText, fill translatedText in place. No-op otherwise.
func (a *Adapter) FillMessage(msg *wire.ChatMessage) {
	if msg.Translation == nil {
		return
	}
	t := msg.Translation
	if t.OriginalText == "" || t.TranslatedText != "" {
		return
	}
	t.TranslatedText = a.Translate(t.OriginalText, t.TargetLang)
}

// HandleTranslateRequest implements the second integration point: a
// TRANSLATE frame replies TRANSLATED with translatedText filled by the same
// rule (spec.md §4.9).
func (a *Adapter) HandleTranslateRequest(p wire.TranslatePayload) wire.TranslatePayload {
	p.TranslatedText = a.Translate(p.OriginalText, p.TargetLang)
	return p
}
