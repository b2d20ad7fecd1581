package api

import (
	"net/http"
	"net/http/httputil"

	log "github.com/sirupsen/logrus"
)

// invoice key or admin key requirement
type AccessKeyType struct {
	Type string
}

var AccessKeyTypeInvoice = AccessKeyType{Type: "invoice"}
var AccessKeyTypeAdmin = AccessKeyType{Type: "admin"}
var AccessKeyTypeNone = AccessKeyType{Type: "none"} // no authorization required

// Keys are the ledger API keys callers authenticate with. The admin key
// implies invoice scope.
type Keys struct {
	AdminKey   string
	InvoiceKey string
}

func LoggingMiddleware(prefix string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log.Tracef("[%s] %s %s", prefix, r.Method, r.URL.Path)
		log.Tracef("[%s]\n%s", prefix, dump(r))
		next.ServeHTTP(w, r)
	}
}

// KeyAuthMiddleware checks the X-Api-Key header against the configured
// keys. An unknown key is 401; a known key with insufficient scope is 403,
// so callers can tell authentication from authorization apart.
func KeyAuthMiddleware(keys Keys, accessType AccessKeyType, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if accessType.Type == "none" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-Api-Key")
		if key == "" {
			log.Warn("[api] no api key")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch accessType.Type {
		case "admin":
			if key == keys.AdminKey {
				next.ServeHTTP(w, r)
				return
			}
			if key == keys.InvoiceKey {
				w.WriteHeader(http.StatusForbidden)
				return
			}
		case "invoice":
			if key == keys.AdminKey || key == keys.InvoiceKey {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.WriteHeader(http.StatusUnauthorized)
	}
}

func dump(r *http.Request) string {
	x, err := httputil.DumpRequest(r, true)
	if err != nil {
		return ""
	}
	return string(x)
}
