package ferry

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"net"
	"os"
	"testing"
	"time"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "self-signed",
		},
		SerialNumber:          serialNumber,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		IsCA: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}

func generateLeaf(t *testing.T, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		IsCA:                  false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	if err != nil {
		t.Fatalf("failed to generate leaf: %s", err)
		return nil
	}
	return certDER
}

// testPKI issues mTLS configurations signed by a single CA.
type testPKI struct {
	caKey  *ecdsa.PrivateKey
	ca     *x509.Certificate
	caPool *x509.CertPool
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()
	caKey := generateKeyPair(t)
	ca, err := x509.ParseCertificate(generateCa(t, caKey))
	if err != nil {
		t.Fatalf("failed to parse CA: %s", err)
		return nil
	}
	caPool := x509.NewCertPool()
	caPool.AddCert(ca)
	return &testPKI{caKey: caKey, ca: ca, caPool: caPool}
}

// tlsConfig returns the configuration of a node whose certificate has
// cn as common name.
func (pki *testPKI) tlsConfig(t *testing.T, cn string) *tls.Config {
	t.Helper()
	key := generateKeyPair(t)
	der := generateLeaf(t, pki.ca, pki.caKey, key, cn)
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse %s: %s", cn, err)
		return nil
	}

	return &tls.Config{
		Certificates: []tls.Certificate{
			{
				Certificate: [][]byte{der},
				Leaf:        leaf,
				PrivateKey:  key,
			},
		},
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  pki.caPool,
		RootCAs:    pki.caPool,
		NextProtos: []string{ALPN},
	}
}

func testLogHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}
