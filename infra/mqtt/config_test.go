package mqtt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// generateCert writes a self-signed certificate that doubles as its own CA.
func generateCert(t *testing.T) (certFile, keyFile, caFile string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	caFile = filepath.Join(dir, "ca.pem")
	for path, data := range map[string][]byte{certFile: certPEM, keyFile: keyPEM, caFile: certPEM} {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	return
}

func TestLoadTLSConfig(t *testing.T) {
	cert, key, ca := generateCert(t)
	cfg := Config{UseTLS: true, ClientCert: cert, ClientKey: key, CABundle: ca}
	tlsCfg, err := cfg.LoadTLSConfig()
	if err != nil {
		t.Fatalf("load tls: %v", err)
	}
	if len(tlsCfg.Certificates) == 0 {
		t.Fatalf("no certs loaded")
	}
	if tlsCfg.RootCAs == nil {
		t.Fatalf("no root CAs")
	}
}

func TestLoadTLSConfigServerOnly(t *testing.T) {
	_, _, ca := generateCert(t)
	tlsCfg, err := Config{UseTLS: true, CABundle: ca}.LoadTLSConfig()
	if err != nil {
		t.Fatalf("load tls: %v", err)
	}
	if len(tlsCfg.Certificates) != 0 {
		t.Fatalf("unexpected client certificate")
	}
}

func TestLoadTLSConfigErrors(t *testing.T) {
	_, _, ca := generateCert(t)
	garbage := filepath.Join(t.TempDir(), "garbage.pem")
	if err := os.WriteFile(garbage, []byte("not a cert"), 0o600); err != nil {
		t.Fatal(err)
	}
	cases := map[string]Config{
		"no ca":          {UseTLS: true},
		"missing ca":     {UseTLS: true, CABundle: "/nonexistent/ca.pem"},
		"empty ca":       {UseTLS: true, CABundle: garbage},
		"cert needs key": {UseTLS: true, CABundle: ca, AuthMethod: "certificate"},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := cfg.LoadTLSConfig(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNewClientOptions(t *testing.T) {
	opts, err := NewClientOptions(Config{
		Broker: "tcp://localhost:1883", ClientID: "id", Username: "u", Password: "p",
		LWTTopic: "fleet/service/status", LWTPayload: "offline", LWTQoS: 1,
		ConnectTimeoutMS: 1500,
	})
	if err != nil {
		t.Fatalf("opts: %v", err)
	}
	if opts.Username != "u" || opts.Password != "p" {
		t.Fatalf("auth not set")
	}
	if opts.AutoReconnect || opts.ConnectRetry {
		t.Fatalf("paho reconnection must stay disabled")
	}
	if !opts.CleanSession {
		t.Fatalf("clean session expected")
	}
	if !opts.WillEnabled || opts.WillTopic != "fleet/service/status" || string(opts.WillPayload) != "offline" {
		t.Fatalf("will options incorrect")
	}
	if opts.ConnectTimeout != 1500*time.Millisecond {
		t.Fatalf("connect timeout = %s", opts.ConnectTimeout)
	}
}

func TestNewClientOptionsCertificateOnlySkipsPassword(t *testing.T) {
	cert, key, ca := generateCert(t)
	opts, err := NewClientOptions(Config{
		Broker: "ssl://localhost:8883", ClientID: "id", Username: "u", Password: "p",
		UseTLS: true, AuthMethod: "certificate", ClientCert: cert, ClientKey: key, CABundle: ca,
	})
	if err != nil {
		t.Fatalf("opts: %v", err)
	}
	if opts.Username != "" || opts.Password != "" {
		t.Fatalf("password auth should be off for certificate auth")
	}
	if opts.TLSConfig == nil || len(opts.TLSConfig.Certificates) != 1 {
		t.Fatalf("tls config not applied")
	}
}

func TestConfigValidate(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}

	bad := []func(*Config){
		func(c *Config) { c.Broker = "" },
		func(c *Config) { c.ReconnectMaxMS = c.ReconnectBaseMS - 1 },
		func(c *Config) { c.AuthMethod = "kerberos" },
		func(c *Config) { c.QoS = map[string]byte{QoSTelemetry: 3} },
		func(c *Config) { c.InitialRetries = -1 },
	}
	for i, mutate := range bad {
		c := cfg
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}
