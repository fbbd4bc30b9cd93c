package ubl

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/contazen/efactura-api/internal/domain/entity"
	"github.com/contazen/efactura-api/internal/domain/tax"
)

// Official UBL 2.1 namespaces and the RO_CIUS customization required by the
// ANAF e-Factura validator.
const (
	NsInvoice = "urn:oasis:names:specification:ubl:schema:xsd:Invoice-2"
	NsCac     = "urn:oasis:names:specification:ubl:schema:xsd:CommonAggregateComponents-2"
	NsCbc     = "urn:oasis:names:specification:ubl:schema:xsd:CommonBasicComponents-2"
	NsExt     = "urn:oasis:names:specification:ubl:schema:xsd:CommonExtensionComponents-2"

	CustomizationID = "urn:cen.eu:en16931:2017#compliant#urn:efactura.mfinante.ro:CIUS-RO:1.0.1"
	InvoiceTypeCode = "380"
)

var cpvPattern = regexp.MustCompile(`^[0-9]{8}(-[0-9])?$`)

// Encoder serializes an InvoiceSnapshot plus its computed totals into the
// canonical e-Factura XML. The output is byte-deterministic: fixed element
// order, fixed prefixes, StringFixed(2) amounts, '.' separator, no
// indentation. Re-encoding an unchanged snapshot yields the identical
// content hash, which is how the state machine decides between "reuse
// previous XML" and "must regenerate".
type Encoder struct {
	// FoldDiacritics transliterates Romanian diacritics in text nodes to
	// plain ASCII (ș→s, ă→a, ...) for upstreams that mangle them.
	FoldDiacritics bool
}

// NewEncoder creates the codec's encoding half.
func NewEncoder(foldDiacritics bool) *Encoder {
	return &Encoder{FoldDiacritics: foldDiacritics}
}

// Encode validates structural completeness, emits the document and returns
// the bytes together with their SHA-256 content hash (hex).
func (e *Encoder) Encode(snap *entity.InvoiceSnapshot, totals *tax.InvoiceTotals) ([]byte, string, error) {
	if err := e.validate(snap, totals); err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)

	root := xml.StartElement{
		Name: xml.Name{Local: "Invoice"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "xmlns"}, Value: NsInvoice},
			{Name: xml.Name{Local: "xmlns:cac"}, Value: NsCac},
			{Name: xml.Name{Local: "xmlns:cbc"}, Value: NsCbc},
			{Name: xml.Name{Local: "xmlns:ext"}, Value: NsExt},
		},
	}
	if err := enc.EncodeToken(root); err != nil {
		return nil, "", encodeErr(err)
	}

	// ext:UBLExtensions first, with an empty ExtensionContent; the signer
	// injects ds:Signature there after encoding.
	e.writeExtensions(enc)

	writeCbc(enc, "CustomizationID", CustomizationID)
	writeCbc(enc, "ID", e.text(snap.DocumentID()))
	writeCbc(enc, "IssueDate", snap.IssueDate.Format("2006-01-02"))
	if snap.DueDate != nil {
		writeCbc(enc, "DueDate", snap.DueDate.Format("2006-01-02"))
	}
	writeCbc(enc, "InvoiceTypeCode", InvoiceTypeCode)
	if snap.Notes != "" {
		writeCbc(enc, "Note", e.text(snap.Notes))
	}
	writeCbc(enc, "DocumentCurrencyCode", snap.Currency)
	if totals.Currency != totals.ReportingCurrency {
		writeCbc(enc, "TaxCurrencyCode", totals.ReportingCurrency)
	}

	e.writeParty(enc, "AccountingSupplierParty", snap.Supplier)
	e.writeParty(enc, "AccountingCustomerParty", snap.Customer)
	e.writeTaxTotal(enc, snap.Currency, totals)
	e.writeMonetaryTotal(enc, snap.Currency, totals)

	lineComputations, err := lineAmounts(snap, totals)
	if err != nil {
		return nil, "", err
	}
	for i, line := range snap.Lines {
		e.writeLine(enc, i+1, line, snap.Currency, lineComputations[i])
	}

	if err := enc.EncodeToken(root.End()); err != nil {
		return nil, "", encodeErr(err)
	}
	if err := enc.Flush(); err != nil {
		return nil, "", encodeErr(err)
	}

	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:]), nil
}

// validate checks structural completeness before emission. It fails with an
// encoding error listing every offending field instead of emitting XML the
// gateway would reject anyway.
func (e *Encoder) validate(snap *entity.InvoiceSnapshot, totals *tax.InvoiceTotals) error {
	if snap == nil || totals == nil {
		return entity.NewPipelineError(entity.ErrKindEncoding, "nil snapshot or totals")
	}
	var fields []string
	if snap.Number == "" {
		fields = append(fields, "number")
	}
	if digits(snap.Supplier.TaxID) == "" {
		fields = append(fields, "supplier.taxId")
	}
	if digits(snap.Customer.TaxID) == "" {
		fields = append(fields, "customer.taxId")
	}
	if snap.Currency == "" {
		fields = append(fields, "currency")
	}
	if len(snap.Lines) == 0 {
		fields = append(fields, "lines")
	}
	for i, line := range snap.Lines {
		if !cpvPattern.MatchString(line.Classification) {
			fields = append(fields, fmt.Sprintf("lines[%d].classification", i))
		}
		if line.Description == "" {
			fields = append(fields, fmt.Sprintf("lines[%d].description", i))
		}
	}
	// Totals must reconcile with the Tax Engine output: the per-rate
	// groups have to add up to the grand totals exactly.
	var net, vat, gross decimal.Decimal
	for _, g := range totals.Groups {
		net = net.Add(g.Net)
		vat = vat.Add(g.VAT)
		gross = gross.Add(g.Gross)
	}
	if !net.Equal(totals.Net) || !vat.Equal(totals.VAT) || !gross.Equal(totals.Gross) {
		fields = append(fields, "totals")
	}
	if len(fields) > 0 {
		return entity.NewPipelineError(entity.ErrKindEncoding, "schema violation", fields...)
	}
	return nil
}

func (e *Encoder) writeExtensions(enc *xml.Encoder) {
	start(enc, "ext:UBLExtensions")
	start(enc, "ext:UBLExtension")
	start(enc, "ext:ExtensionContent")
	end(enc, "ext:ExtensionContent")
	end(enc, "ext:UBLExtension")
	end(enc, "ext:UBLExtensions")
}

func (e *Encoder) writeParty(enc *xml.Encoder, wrapper string, p entity.Party) {
	county := p.County
	if county == "" {
		county = "RO-B"
	}
	start(enc, "cac:"+wrapper)
	start(enc, "cac:Party")

	start(enc, "cac:PostalAddress")
	writeCbc(enc, "StreetName", e.text(p.Address))
	writeCbc(enc, "CityName", e.text(p.City))
	writeCbc(enc, "CountrySubentity", county)
	start(enc, "cac:Country")
	writeCbc(enc, "IdentificationCode", "RO")
	end(enc, "cac:Country")
	end(enc, "cac:PostalAddress")

	start(enc, "cac:PartyTaxScheme")
	writeCbc(enc, "CompanyID", vatID(p.TaxID))
	start(enc, "cac:TaxScheme")
	writeCbc(enc, "ID", "VAT")
	end(enc, "cac:TaxScheme")
	end(enc, "cac:PartyTaxScheme")

	start(enc, "cac:PartyLegalEntity")
	writeCbc(enc, "RegistrationName", e.text(p.Name))
	writeCbc(enc, "CompanyID", digits(p.TaxID))
	end(enc, "cac:PartyLegalEntity")

	end(enc, "cac:Party")
	end(enc, "cac:"+wrapper)
}

func (e *Encoder) writeTaxTotal(enc *xml.Encoder, currency string, totals *tax.InvoiceTotals) {
	start(enc, "cac:TaxTotal")
	writeCbcAmount(enc, "TaxAmount", amount(totals.VAT), currency)
	for _, g := range totals.Groups {
		start(enc, "cac:TaxSubtotal")
		writeCbcAmount(enc, "TaxableAmount", amount(g.Net), currency)
		writeCbcAmount(enc, "TaxAmount", amount(g.VAT), currency)
		start(enc, "cac:TaxCategory")
		writeCbc(enc, "ID", taxCategoryID(g.Rate))
		writeCbc(enc, "Percent", amount(g.Rate))
		start(enc, "cac:TaxScheme")
		writeCbc(enc, "ID", "VAT")
		end(enc, "cac:TaxScheme")
		end(enc, "cac:TaxCategory")
		end(enc, "cac:TaxSubtotal")
	}
	end(enc, "cac:TaxTotal")
}

func (e *Encoder) writeMonetaryTotal(enc *xml.Encoder, currency string, totals *tax.InvoiceTotals) {
	start(enc, "cac:LegalMonetaryTotal")
	writeCbcAmount(enc, "LineExtensionAmount", amount(totals.Net), currency)
	writeCbcAmount(enc, "TaxExclusiveAmount", amount(totals.Net), currency)
	writeCbcAmount(enc, "TaxInclusiveAmount", amount(totals.Gross), currency)
	writeCbcAmount(enc, "PayableAmount", amount(totals.Gross), currency)
	end(enc, "cac:LegalMonetaryTotal")
}

func (e *Encoder) writeLine(enc *xml.Encoder, num int, line entity.LineItem, currency string, comp tax.LineComputation) {
	unitCode := line.UnitCode
	if unitCode == "" {
		unitCode = "C62"
	}
	start(enc, "cac:InvoiceLine")
	writeCbc(enc, "ID", strconv.Itoa(num))
	writeCbcWithAttr(enc, "InvoicedQuantity", line.Quantity.String(), "unitCode", unitCode)
	writeCbcAmount(enc, "LineExtensionAmount", amount(comp.Net), currency)

	start(enc, "cac:Item")
	writeCbc(enc, "Description", e.text(line.Description))
	writeCbc(enc, "Name", e.text(line.Description))
	start(enc, "cac:CommodityClassification")
	writeCbcWithAttr(enc, "ItemClassificationCode", line.Classification, "listID", "STI")
	end(enc, "cac:CommodityClassification")
	start(enc, "cac:ClassifiedTaxCategory")
	writeCbc(enc, "ID", taxCategoryID(line.VATRate))
	writeCbc(enc, "Percent", amount(line.VATRate))
	start(enc, "cac:TaxScheme")
	writeCbc(enc, "ID", "VAT")
	end(enc, "cac:TaxScheme")
	end(enc, "cac:ClassifiedTaxCategory")
	end(enc, "cac:Item")

	start(enc, "cac:Price")
	writeCbcAmount(enc, "PriceAmount", amount(line.UnitPrice), currency)
	end(enc, "cac:Price")

	end(enc, "cac:InvoiceLine")
}

func (e *Encoder) text(s string) string {
	if e.FoldDiacritics {
		return foldDiacritics(s)
	}
	return s
}

// lineAmounts derives the displayed per-line figures the same way the
// engine finalizes them: line discount, then the invoice-level discount
// pro-rata by net, rounded last. Keeping the derivation identical is what
// makes the emitted lines reconcile with the monetary totals.
func lineAmounts(snap *entity.InvoiceSnapshot, totals *tax.InvoiceTotals) ([]tax.LineComputation, error) {
	hundred := decimal.NewFromInt(100)
	nets := make([]decimal.Decimal, len(snap.Lines))
	var baseNet decimal.Decimal
	for i, line := range snap.Lines {
		net := line.Quantity.Mul(line.UnitPrice)
		switch line.DiscountKind {
		case entity.DiscountPercent:
			net = net.Sub(net.Mul(line.Discount).Div(hundred))
		default:
			net = net.Sub(line.Discount)
		}
		nets[i] = net
		baseNet = baseNet.Add(net)
	}
	if snap.Discount.IsPositive() && baseNet.IsPositive() {
		for i := range nets {
			share := snap.Discount.Mul(nets[i]).Div(baseNet)
			nets[i] = nets[i].Sub(share)
		}
	}

	comps := make([]tax.LineComputation, len(snap.Lines))
	var sum decimal.Decimal
	for i, line := range snap.Lines {
		vat := nets[i].Mul(line.VATRate).Div(hundred)
		comps[i] = tax.LineComputation{
			Index: i,
			Net:   nets[i].Round(2),
			VAT:   vat.Round(2),
			Gross: nets[i].Add(vat).Round(2),
		}
		sum = sum.Add(nets[i])
	}
	// The group-rounded total may differ from the line sum by at most the
	// rounding of each group; large gaps mean the inputs diverged.
	if sum.Round(2).Sub(totals.Net).Abs().GreaterThan(decimal.NewFromFloat(0.05)) {
		return nil, entity.NewPipelineError(entity.ErrKindEncoding,
			"line amounts do not reconcile with totals")
	}
	return comps, nil
}

// ── low-level token helpers (fixed prefixes, no namespace rewriting) ─────────

func start(enc *xml.Encoder, name string) {
	_ = enc.EncodeToken(xml.StartElement{Name: xml.Name{Local: name}})
}

func end(enc *xml.Encoder, name string) {
	_ = enc.EncodeToken(xml.EndElement{Name: xml.Name{Local: name}})
}

func writeCbc(enc *xml.Encoder, local, value string) {
	name := "cbc:" + local
	start(enc, name)
	_ = enc.EncodeToken(xml.CharData(value))
	end(enc, name)
}

func writeCbcAmount(enc *xml.Encoder, local, value, currency string) {
	writeCbcWithAttr(enc, local, value, "currencyID", currency)
}

func writeCbcWithAttr(enc *xml.Encoder, local, value, attrLocal, attrValue string) {
	name := "cbc:" + local
	_ = enc.EncodeToken(xml.StartElement{
		Name: xml.Name{Local: name},
		Attr: []xml.Attr{{Name: xml.Name{Local: attrLocal}, Value: attrValue}},
	})
	_ = enc.EncodeToken(xml.CharData(value))
	end(enc, name)
}

// amount renders money and percentages: always 2 decimals, '.' separator,
// no thousands separators.
func amount(d decimal.Decimal) string {
	return d.Round(2).StringFixed(2)
}

// taxCategoryID maps a rate to the UNCL5305 category: S for standard and
// reduced positive rates, Z for zero.
func taxCategoryID(rate decimal.Decimal) string {
	if rate.IsZero() {
		return "Z"
	}
	return "S"
}

// vatID renders the VAT identifier with the RO prefix the schema expects.
func vatID(taxID string) string {
	d := digits(taxID)
	if d == "" {
		return taxID
	}
	return "RO" + d
}

func digits(s string) string {
	var out []byte
	for _, b := range []byte(s) {
		if b >= '0' && b <= '9' {
			out = append(out, b)
		}
	}
	return string(out)
}

func encodeErr(err error) error {
	return entity.NewPipelineError(entity.ErrKindEncoding, "encode invoice: "+err.Error())
}
