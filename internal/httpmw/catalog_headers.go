package httpmw

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CatalogInfo is the slice of the extension catalog reported on responses.
type CatalogInfo interface {
	LoadedAt() time.Time
	Keys() []string
}

// CatalogHeaders adds X-Addon-Catalog-Loaded-At and X-Addon-Catalog-Size once
// a listing has been loaded, and tags the span with the same values.
func CatalogHeaders(info CatalogInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if info != nil {
				if at := info.LoadedAt(); !at.IsZero() {
					size := len(info.Keys())
					w.Header().Set("X-Addon-Catalog-Loaded-At", at.UTC().Format(time.RFC3339))
					w.Header().Set("X-Addon-Catalog-Size", strconv.Itoa(size))
					if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
						span.SetAttributes(
							attribute.String("addon.catalog.loaded_at", at.UTC().Format(time.RFC3339)),
							attribute.Int("addon.catalog.size", size),
						)
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
