package helmd

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig("/var/lib/helmd")
	if c.Engine.GRPCPort != 7233 {
		t.Fatalf("grpc port = %d", c.Engine.GRPCPort)
	}
	if c.DataDir != "/var/lib/helmd" {
		t.Fatalf("data dir = %q", c.DataDir)
	}
}

func TestFacadeConstructors(t *testing.T) {
	c := DefaultConfig(t.TempDir())
	if NewSupervisor(nil) == nil {
		t.Fatal("NewSupervisor returned nil")
	}
	if NewBootstrap(c, nil) == nil {
		t.Fatal("NewBootstrap returned nil")
	}
	if NewDispatcher(c, nil) == nil {
		t.Fatal("NewDispatcher returned nil")
	}
	if OpenRegistry(c, nil) == nil {
		t.Fatal("OpenRegistry returned nil")
	}
	sink, err := OpenHistory(DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}
	_ = sink.Close()
}

func TestEmbeddableHandler(t *testing.T) {
	c := DefaultConfig(t.TempDir())
	h := Handler(ServerOptions{Registry: OpenRegistry(c, nil)})
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
