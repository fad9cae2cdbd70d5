package server

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/loykin/airship/internal/controller"
	"github.com/loykin/airship/internal/registry"
)

// FuzzRegisterID checks that /register accepts every non-empty machine id
// and that a heartbeat for the same id is then recognised.
func FuzzRegisterID(f *testing.F) {
	f.Add("e784079b449483")
	f.Add("")
	f.Add("../etc/passwd")
	f.Add("web 1")
	f.Add("host:a")
	f.Add("unicode한글name")
	f.Add("name\x00null")

	gin.SetMode(gin.TestMode)
	reg := registry.New()
	r, err := NewRouter(reg, controller.New(reg, nil), Options{})
	if err != nil {
		f.Fatal(err)
	}
	h := r.Handler()
	f.Fuzz(func(t *testing.T, id string) {
		body, err := json.Marshal(registerReq{MachineID: id})
		if err != nil {
			t.Skip()
		}
		rec := doReq(t, h, http.MethodPost, "/register", string(body))
		if id == "" {
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("empty id got %d", rec.Code)
			}
			return
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("register %q got %d: %s", id, rec.Code, rec.Body.String())
		}
		beat, _ := json.Marshal(heartbeatReq{MachineID: id})
		rec = doReq(t, h, http.MethodPost, "/heartbeat", string(beat))
		if rec.Code != http.StatusOK {
			t.Fatalf("heartbeat %q got %d: %s", id, rec.Code, rec.Body.String())
		}
	})
}

// FuzzParseNetworks makes sure arbitrary allow-list entries never panic.
func FuzzParseNetworks(f *testing.F) {
	f.Add("10.0.0.0/8")
	f.Add("fdaa::/16")
	f.Add("1.2.3.4")
	f.Add("garbage")

	f.Fuzz(func(t *testing.T, s string) {
		nets, err := parseNetworks([]string{s})
		if err == nil {
			for _, n := range nets {
				if n == nil {
					t.Fatalf("nil network for %q", s)
				}
			}
		}
	})
}
