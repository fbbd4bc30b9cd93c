// XAdES-BES enveloped signature for the clearance XML. Injects
// <ds:Signature> into the empty <ext:ExtensionContent> the encoder leaves
// behind.

package ubl

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/ucarion/c14n"
)

// XMLDSig / XAdES namespaces and algorithms.
const (
	NsDS    = "http://www.w3.org/2000/09/xmldsig#"
	NsXAdES = "http://uri.etsi.org/01903/v1.3.2#"

	algC14N            = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"
	algRSASHA256       = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	algSHA256          = "http://www.w3.org/2000/09/xmldsig#sha256"
	transformEnveloped = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"
)

// XMLSigner signs encoded invoices with a qualified certificate. Signing is
// deliberately separate from encoding: the content hash is taken over the
// unsigned bytes, so the SigningTime inside the signature never breaks
// determinism.
type XMLSigner struct{}

// NewXMLSigner creates the signer.
func NewXMLSigner() *XMLSigner {
	return &XMLSigner{}
}

// Sign computes the enveloped XAdES-BES signature and injects it into the
// empty ExtensionContent placeholder.
func (s *XMLSigner) Sign(xmlBytes []byte, cert tls.Certificate) ([]byte, error) {
	if len(xmlBytes) == 0 {
		return nil, fmt.Errorf("sign: empty XML")
	}
	priv, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("sign: certificate must carry an RSA private key")
	}
	x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("sign: parse certificate: %w", err)
	}

	// 1) Document digest over the canonicalized unsigned document.
	canonicalDoc, err := canonicalizeXML(xmlBytes)
	if err != nil {
		canonicalDoc = xmlBytes
	}
	docDigest := sha256.Sum256(canonicalDoc)
	docDigestB64 := base64.StdEncoding.EncodeToString(docDigest[:])

	// 2) SignedInfo, canonicalized, signed with RSA-SHA256.
	signedInfoXML := buildSignedInfo(docDigestB64)
	canonicalSignedInfo, err := canonicalizeXML([]byte(signedInfoXML))
	if err != nil {
		canonicalSignedInfo = []byte(signedInfoXML)
	}
	signHash := sha256.Sum256(canonicalSignedInfo)
	signatureValue, err := rsa.SignPKCS1v15(nil, priv, crypto.SHA256, signHash[:])
	if err != nil {
		return nil, fmt.Errorf("sign: sign SignedInfo: %w", err)
	}
	signatureValueB64 := base64.StdEncoding.EncodeToString(signatureValue)

	// 3) KeyInfo + XAdES qualifying properties.
	certB64 := base64.StdEncoding.EncodeToString(x509Cert.Raw)
	signingTime := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	certDigestB64, issuerName, serialDec := certDigestAndIssuerSerial(x509Cert)
	signatureXML := buildFullSignature(signedInfoXML, signatureValueB64, certB64,
		signingTime, certDigestB64, issuerName, serialDec)

	// 4) Inject into the placeholder.
	return injectSignature(xmlBytes, signatureXML)
}

func canonicalizeXML(data []byte) ([]byte, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Entity = map[string]string{}
	return c14n.Canonicalize(dec)
}

func buildSignedInfo(docDigestB64 string) string {
	var sb strings.Builder
	sb.WriteString(`<ds:SignedInfo xmlns:ds="` + NsDS + `">`)
	sb.WriteString(`<ds:CanonicalizationMethod Algorithm="` + algC14N + `"/>`)
	sb.WriteString(`<ds:SignatureMethod Algorithm="` + algRSASHA256 + `"/>`)
	sb.WriteString(`<ds:Reference URI="">`)
	sb.WriteString(`<ds:Transforms><ds:Transform Algorithm="` + transformEnveloped + `"/>`)
	sb.WriteString(`<ds:Transform Algorithm="` + algC14N + `"/></ds:Transforms>`)
	sb.WriteString(`<ds:DigestMethod Algorithm="` + algSHA256 + `"/>`)
	sb.WriteString(`<ds:DigestValue>` + docDigestB64 + `</ds:DigestValue>`)
	sb.WriteString(`</ds:Reference>`)
	sb.WriteString(`</ds:SignedInfo>`)
	return sb.String()
}

func buildFullSignature(signedInfoXML, signatureValueB64, certB64, signingTime, certDigestB64, issuerName, serialDec string) string {
	var sb strings.Builder
	sb.WriteString(`<ds:Signature xmlns:ds="` + NsDS + `" xmlns:xades="` + NsXAdES + `">`)
	sb.WriteString(signedInfoXML)
	sb.WriteString(`<ds:SignatureValue>` + signatureValueB64 + `</ds:SignatureValue>`)
	sb.WriteString(`<ds:KeyInfo><ds:X509Data><ds:X509Certificate>` + certB64 + `</ds:X509Certificate></ds:X509Data></ds:KeyInfo>`)
	sb.WriteString(`<ds:Object><xades:QualifyingProperties>`)
	sb.WriteString(`<xades:SignedProperties Id="signed-props">`)
	sb.WriteString(`<xades:SignedSignatureProperties>`)
	sb.WriteString(`<xades:SigningTime>` + signingTime + `</xades:SigningTime>`)
	sb.WriteString(`<xades:SigningCertificate><xades:Cert><xades:CertDigest><ds:DigestMethod Algorithm="` + algSHA256 + `"/>`)
	sb.WriteString(`<ds:DigestValue>` + certDigestB64 + `</ds:DigestValue></xades:CertDigest>`)
	sb.WriteString(`<xades:IssuerSerial><ds:X509IssuerName>` + escapeXML(issuerName) + `</ds:X509IssuerName><ds:X509SerialNumber>` + serialDec + `</ds:X509SerialNumber></xades:IssuerSerial></xades:Cert></xades:SigningCertificate>`)
	sb.WriteString(`</xades:SignedSignatureProperties></xades:SignedProperties></xades:QualifyingProperties></ds:Object>`)
	sb.WriteString(`</ds:Signature>`)
	return sb.String()
}

func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}

// injectSignature parses the document, finds the empty ExtensionContent the
// encoder reserved and appends the signature node there.
func injectSignature(xmlBytes []byte, signatureXML string) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(xmlBytes); err != nil {
		return nil, fmt.Errorf("sign: parse XML: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("sign: document has no root")
	}
	var ublExt *etree.Element
	for _, child := range root.ChildElements() {
		if localTag(child) == "UBLExtensions" {
			ublExt = child
			break
		}
	}
	if ublExt == nil {
		return nil, fmt.Errorf("sign: ext:UBLExtensions not found")
	}
	var placeholder *etree.Element
	for _, ext := range ublExt.ChildElements() {
		if localTag(ext) != "UBLExtension" {
			continue
		}
		for _, ec := range ext.ChildElements() {
			if localTag(ec) == "ExtensionContent" && len(ec.ChildElements()) == 0 {
				placeholder = ec
				break
			}
		}
		if placeholder != nil {
			break
		}
	}
	if placeholder == nil {
		return nil, fmt.Errorf("sign: empty ext:ExtensionContent placeholder not found")
	}
	sigDoc := etree.NewDocument()
	if err := sigDoc.ReadFromString(signatureXML); err != nil {
		return nil, fmt.Errorf("sign: parse Signature: %w", err)
	}
	if sigRoot := sigDoc.Root(); sigRoot != nil {
		placeholder.AddChild(sigRoot)
	}
	var out bytes.Buffer
	if _, err := doc.WriteTo(&out); err != nil {
		return nil, fmt.Errorf("sign: serialize: %w", err)
	}
	return out.Bytes(), nil
}

func localTag(el *etree.Element) string {
	tag := el.Tag
	if i := strings.IndexByte(tag, ':'); i >= 0 {
		tag = tag[i+1:]
	}
	return tag
}
