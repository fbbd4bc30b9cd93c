// Qualified certificate loading from .p12 (PKCS#12) or a PEM pair.

package ubl

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"os"

	"golang.org/x/crypto/pkcs12"
)

// LoadCertFromP12 loads the signing certificate and private key from a
// .p12/.pfx file. An empty password is fine when the file is unprotected.
func LoadCertFromP12(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read p12: %w", err)
	}
	priv, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decode p12: %w", err)
	}
	// pkcs12.Decode yields a single certificate; the leaf is enough for
	// both signing and client TLS.
	return tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  priv,
		Leaf:        cert,
	}, nil
}

// LoadCertFromPEM loads the certificate and key from PEM files, separate or
// combined into one.
func LoadCertFromPEM(certPath, keyPath string) (tls.Certificate, error) {
	if certPath == "" {
		return tls.Certificate{}, nil
	}
	if keyPath == "" {
		keyPath = certPath
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load PEM pair: %w", err)
	}
	return cert, nil
}

// certDigestAndIssuerSerial returns the SHA-256 digest of the certificate
// (Base64), the issuer DN and the serial number for the XAdES
// SigningCertificate block.
func certDigestAndIssuerSerial(cert *x509.Certificate) (digestB64, issuerName, serial string) {
	h := sha256.Sum256(cert.Raw)
	digestB64 = base64.StdEncoding.EncodeToString(h[:])
	issuerName = cert.Issuer.String()
	serial = cert.SerialNumber.String()
	return digestB64, issuerName, serial
}
