package proxy

import (
	"errors"
	"os"
	"testing"
)

func TestNetworkEnvironmentAcquireRelease(t *testing.T) {
	t.Setenv("HTTP_PROXY", "http://old:1")
	t.Setenv("HTTPS_PROXY", "http://old:1")
	os.Unsetenv("SSL_CERT_FILE")

	env, err := AcquireNetworkEnvironment("127.0.0.1:9999", "/tmp/ca.pem")
	if err != nil {
		t.Fatalf("Acquire error = %v", err)
	}

	if got := os.Getenv("HTTP_PROXY"); got != "http://127.0.0.1:9999" {
		t.Errorf("HTTP_PROXY = %q", got)
	}
	if got := os.Getenv("SSL_CERT_FILE"); got != "/tmp/ca.pem" {
		t.Errorf("SSL_CERT_FILE = %q", got)
	}

	env.Release()

	if got := os.Getenv("HTTP_PROXY"); got != "http://old:1" {
		t.Errorf("HTTP_PROXY after release = %q, want restored value", got)
	}
	if _, ok := os.LookupEnv("SSL_CERT_FILE"); ok {
		t.Error("SSL_CERT_FILE still set after release")
	}
}

func TestNetworkEnvironmentExclusive(t *testing.T) {
	first, err := AcquireNetworkEnvironment("127.0.0.1:1", "")
	if err != nil {
		t.Fatal(err)
	}
	defer first.Release()

	if _, err := AcquireNetworkEnvironment("127.0.0.1:2", ""); !errors.Is(err, ErrNetworkEnvBusy) {
		t.Errorf("second acquire error = %v, want ErrNetworkEnvBusy", err)
	}

	first.Release()
	second, err := AcquireNetworkEnvironment("127.0.0.1:2", "")
	if err != nil {
		t.Fatalf("acquire after release error = %v", err)
	}
	second.Release()
}

func TestNetworkEnvironmentReleaseIdempotent(t *testing.T) {
	env, err := AcquireNetworkEnvironment("127.0.0.1:1", "")
	if err != nil {
		t.Fatal(err)
	}
	env.Release()
	env.Release() // must not panic or disturb a later acquisition

	again, err := AcquireNetworkEnvironment("127.0.0.1:3", "")
	if err != nil {
		t.Fatalf("acquire after double release error = %v", err)
	}
	again.Release()
}
