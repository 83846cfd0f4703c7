//go:build !swagger

package httpapi

import (
	"encoding/json"
	"net/http"
	"testing"
)

func TestSwaggerDocServedWithoutUI(t *testing.T) {
	h := NewMux(&mockService{})
	w := do(t, h, http.MethodGet, "/swagger/doc.json", "")
	if w.Code != http.StatusOK {
		t.Fatalf("doc.json status=%d", w.Code)
	}
	var doc struct {
		Paths map[string]any `json:"paths"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("doc is not JSON: %v", err)
	}
	if _, ok := doc.Paths["/infer"]; !ok {
		t.Fatalf("doc lacks /infer: %v", doc.Paths)
	}
	if w := do(t, h, http.MethodGet, "/swagger/index.html", ""); w.Code != http.StatusNotFound {
		t.Fatalf("UI served without the swagger tag: %d", w.Code)
	}
}
