package transport

import "net/http"

// LegacyMessagesHandler adapts the old /messages/{connectionId} POST shape
// to the SDK's SSE handler, which expects the session in a ?sessionid=
// query parameter. Clients that already send sessionid pass through
// untouched.
func LegacyMessagesHandler(sse http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("connectionId")
		if id == "" {
			id = r.URL.Query().Get("connectionId")
		}
		if id != "" && r.URL.Query().Get("sessionid") == "" {
			r2 := r.Clone(r.Context())
			q := r2.URL.Query()
			q.Set("sessionid", id)
			q.Del("connectionId")
			r2.URL.RawQuery = q.Encode()
			r2.URL.Path = "/messages"
			sse.ServeHTTP(w, r2)
			return
		}
		sse.ServeHTTP(w, r)
	})
}
