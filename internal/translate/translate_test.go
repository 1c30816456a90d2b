package translate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/chatbackbone/internal/wire"
)

type fakeBackend struct {
	calls int
	err   error
	fn    func(text, lang string) string
}

func (f *fakeBackend) Translate(text, lang string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if f.fn != nil {
		return f.fn(text, lang), nil
	}
	return "[" + lang + "] " + text, nil
}

func TestTranslatePassesThroughOnBackendError(t *testing.T) {
	backend := &fakeBackend{err: errors.New("upstream down")}
	a := New(backend, 0)

	out := a.Translate("hello", "fr")
	require.Equal(t, "hello", out)
}

func TestTranslateUsesCacheOnSecondCall(t *testing.T) {
	backend := &fakeBackend{}
	a := New(backend, 16)

	out1 := a.Translate("hello", "fr")
	out2 := a.Translate("hello", "fr")
	require.Equal(t, out1, out2)
	require.Equal(t, 1, backend.calls)

	hits, misses := a.Stats()
	require.Equal(t, 1, hits)
	require.Equal(t, 1, misses)
}

func TestTranslateWithZeroCacheSizeNeverCaches(t *testing.T) {
	backend := &fakeBackend{}
	a := New(backend, 0)

	a.Translate("hello", "fr")
	a.Translate("hello", "fr")
	require.Equal(t, 2, backend.calls)
}

func TestFillMessageOnlyFillsEmptyTranslatedText(t *testing.T) {
	a := New(&fakeBackend{}, 0)

	msg := &wire.ChatMessage{
		Translation: &wire.TranslationContent{TargetLang: "fr", OriginalText: "hi"},
	}
	a.FillMessage(msg)
	require.Equal(t, "[fr] hi", msg.Translation.TranslatedText)

	msg2 := &wire.ChatMessage{}
	a.FillMessage(msg2) // no Translation block, must not panic
}

func TestFillMessageSkipsAlreadyTranslated(t *testing.T) {
	backend := &fakeBackend{}
	a := New(backend, 0)
	msg := &wire.ChatMessage{
		Translation: &wire.TranslationContent{TargetLang: "fr", OriginalText: "hi", TranslatedText: "salut"},
	}
	a.FillMessage(msg)
	require.Equal(t, "salut", msg.Translation.TranslatedText)
	require.Equal(t, 0, backend.calls)
}

func TestHandleTranslateRequestFillsTranslatedText(t *testing.T) {
	a := New(&fakeBackend{}, 0)
	resp := a.HandleTranslateRequest(wire.TranslatePayload{TargetLang: "es", OriginalText: "hello"})
	require.Equal(t, "[es] hello", resp.TranslatedText)
}

func TestLuaBackendTranslatesViaScript(t *testing.T) {
	backend := NewLuaBackend(`
function translate(text, targetLang)
  return "(" .. targetLang .. ") " .. string.upper(text)
end
`)
	out, err := backend.Translate("hi", "de")
	require.NoError(t, err)
	require.Equal(t, "(de) HI", out)
}

func TestLuaBackendErrorsWithoutTranslateFunction(t *testing.T) {
	backend := NewLuaBackend(`x = 1`)
	_, err := backend.Translate("hi", "de")
	require.Error(t, err)
}

func TestLuaBackendHasNoIOLibrary(t *testing.T) {
	backend := NewLuaBackend(`
function translate(text, targetLang)
  return tostring(io)
end
`)
	out, err := backend.Translate("hi", "de")
	require.NoError(t, err)
	require.Equal(t, "nil", out)
}
