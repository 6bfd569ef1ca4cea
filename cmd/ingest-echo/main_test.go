package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"brokerstream/logger"
	"brokerstream/models"
)

func TestIngestEchoAppliesEvents(t *testing.T) {
	s := &server{key: "k", book: models.NewBook(), log: logger.GetLogger()}
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	post := func(key, body string) int {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/ingest", strings.NewReader(body))
		req.Header.Set("X-INGEST-KEY", key)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := post("wrong", `[]`); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
	if code := post("k", `[{"type":"snapshot","dealId":"D1","size":1}]`); code != http.StatusOK {
		t.Fatalf("snapshot: %d", code)
	}
	if code := post("k", `{"type":"tick","dealId":"d1","bid":1.5}`); code != http.StatusOK {
		t.Fatalf("tick: %d", code)
	}
	p, ok := s.book.Get("D1")
	if !ok || p.Bid == nil || *p.Bid != 1.5 {
		t.Fatalf("unexpected book entry %+v", p)
	}
	if code := post("k", `{"type":"closed","dealId":"D1"}`); code != http.StatusOK {
		t.Fatalf("closed: %d", code)
	}
	if len(s.book.All()) != 0 {
		t.Fatal("book must be empty after close")
	}
	if code := post("k", `{"type":"bogus"}`); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", code)
	}
}
