package api

import (
	"encoding/json"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// NewServer starts the settlement API on address, serving the routes of the
// given service.
func NewServer(address string, service Service) *http.Server {
	srv := &http.Server{
		Addr: address,
		// Good practice: enforce timeouts for servers you create!
		WriteTimeout: 90 * time.Second,
		ReadTimeout:  90 * time.Second,
		Handler:      service.Router(),
	}
	go srv.ListenAndServe()
	log.Infof("[api] Server started at %s", address)
	return srv
}

func WriteResponse(writer http.ResponseWriter, code int, response interface{}) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(code)
	if err := json.NewEncoder(writer).Encode(response); err != nil {
		log.Errorln(err)
	}
}
