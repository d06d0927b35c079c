// Command stub-persistence is a local stand-in for the downstream
// persistence service. It accepts metadata batches, logs them, and answers
// 202. Responses carry no state; use it only for local testing.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"sync/atomic"
	"time"
)

func main() {
	addr := flag.String("addr", ":9000", "listen address")
	flag.Parse()

	var batches, records int64

	mux := http.NewServeMux()
	mux.HandleFunc("POST /batch-metadata", func(w http.ResponseWriter, r *http.Request) {
		var batch []map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n := atomic.AddInt64(&batches, 1)
		total := atomic.AddInt64(&records, int64(len(batch)))
		log.Printf("[Stub] batch %d: %d records (total %d)", n, len(batch), total)
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"stub-persistence"}`))
	})

	log.Printf("[Stub] persistence stub listening on %s (all batches answered 202)", *addr)
	srv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	log.Fatal(srv.ListenAndServe())
}
