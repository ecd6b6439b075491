package i18n

import "net/http"

// Middleware attaches a request-scoped localizer, honoring an explicit
// ?lang= override and the Accept-Language header before the default.
func Middleware(defaultLang string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lang := r.URL.Query().Get("lang")
			accept := r.Header.Get("Accept-Language")
			loc := NewLocalizer(firstNonEmpty(lang, accept, defaultLang))
			next.ServeHTTP(w, r.WithContext(WithLocalizer(r.Context(), loc)))
		})
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
