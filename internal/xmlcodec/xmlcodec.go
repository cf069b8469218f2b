// Package xmlcodec gives the XML importer/exporter contract (C4) a
// concrete implementation using encoding/xml (no third-party XML library
// appears anywhere in the retrieval pack, so the stdlib package is the
// corpus-faithful choice here — see DESIGN.md). The wire schema concretizes
// §6.2's "stable canonical fields... round-trip byte-for-byte" contract
// for identity documents and introduction puzzle documents.
package xmlcodec

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"sort"
	"time"

	"github.com/hyphanet/wot-engine/internal/model"
)

// IdentityDocument is the wire form of an identity's published document
// (§6.2): nickname, publishesTrustList, contexts, properties, and the
// advertised trust edges.
type IdentityDocument struct {
	XMLName            xml.Name         `xml:"Identity"`
	Nickname           string           `xml:"Nickname"`
	PublishesTrustList bool             `xml:"PublishesTrustList"`
	Contexts           []string         `xml:"Contexts>Context"`
	Properties         []xmlProperty    `xml:"Properties>Property"`
	TrustList          []xmlTrustEntry  `xml:"TrustList>Trust"`
}

type xmlProperty struct {
	Name  string `xml:"Name,attr"`
	Value string `xml:"Value,attr"`
}

type xmlTrustEntry struct {
	Trustee string `xml:"Trustee,attr"`
	Value   int    `xml:"Value,attr"`
	Comment string `xml:"Comment,attr"`
}

// EncodeIdentity renders ident (and the trust edges it advertises) to
// canonical XML bytes.
func EncodeIdentity(ident *model.Identity, edges []model.Trust) ([]byte, error) {
	doc := IdentityDocument{
		Nickname:           ident.Nickname,
		PublishesTrustList: ident.DoesPublishTrustList,
	}
	for ctx := range ident.Contexts {
		doc.Contexts = append(doc.Contexts, ctx)
	}
	sort.Strings(doc.Contexts)
	names := make([]string, 0, len(ident.Properties))
	for name := range ident.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		doc.Properties = append(doc.Properties, xmlProperty{Name: name, Value: ident.Properties[name]})
	}
	for _, e := range edges {
		doc.TrustList = append(doc.TrustList, xmlTrustEntry{Trustee: e.Trustee, Value: e.Value, Comment: e.Comment})
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("xmlcodec: encode identity: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// ParsedIdentity is the result of decoding an IdentityDocument: the
// canonical fields an importer needs, separated from the owning
// Identity's ID (which the caller already knows from the requestAddress it
// fetched, per §4.4 step 3: "Verify identity ID == document's declared
// owner").
type ParsedIdentity struct {
	Nickname           string
	PublishesTrustList bool
	Contexts           map[string]struct{}
	Properties         map[string]string
	TrustList          []model.Trust // Truster left blank; caller fills it in
}

// DecodeIdentity parses an XML identity document.
func DecodeIdentity(data []byte) (*ParsedIdentity, error) {
	var doc IdentityDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("xmlcodec: decode identity: %w", err)
	}
	p := &ParsedIdentity{
		Nickname:           doc.Nickname,
		PublishesTrustList: doc.PublishesTrustList,
		Contexts:           make(map[string]struct{}, len(doc.Contexts)),
		Properties:         make(map[string]string, len(doc.Properties)),
	}
	for _, c := range doc.Contexts {
		p.Contexts[c] = struct{}{}
	}
	for _, prop := range doc.Properties {
		p.Properties[prop.Name] = prop.Value
	}
	for _, t := range doc.TrustList {
		p.TrustList = append(p.TrustList, model.Trust{Trustee: t.Trustee, Value: t.Value, Comment: t.Comment})
	}
	return p, nil
}

// PuzzleDocument is the wire form of an introduction puzzle (§6.2).
type PuzzleDocument struct {
	XMLName    xml.Name `xml:"IntroductionPuzzle"`
	Type       string   `xml:"Type"`
	MimeType   string   `xml:"MimeType"`
	Data       string   `xml:"Data"` // base64
	ValidUntil string   `xml:"ValidUntil"` // RFC3339
}

// EncodePuzzle renders an introduction puzzle to canonical XML bytes. The
// solution is never included — this is the publicly inserted document.
func EncodePuzzle(p *model.IntroductionPuzzle) ([]byte, error) {
	doc := PuzzleDocument{
		Type:       p.Type,
		MimeType:   p.MimeType,
		Data:       base64.StdEncoding.EncodeToString(p.Data),
		ValidUntil: p.ValidUntil.UTC().Format(time.RFC3339),
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("xmlcodec: encode puzzle: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// ParsedPuzzle is the result of decoding a PuzzleDocument.
type ParsedPuzzle struct {
	Type       string
	MimeType   string
	Data       []byte
	ValidUntil time.Time
}

// DecodePuzzle parses an XML introduction puzzle document.
func DecodePuzzle(data []byte) (*ParsedPuzzle, error) {
	var doc PuzzleDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("xmlcodec: decode puzzle: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(doc.Data)
	if err != nil {
		return nil, fmt.Errorf("xmlcodec: decode puzzle data: %w", err)
	}
	validUntil, err := time.Parse(time.RFC3339, doc.ValidUntil)
	if err != nil {
		return nil, fmt.Errorf("xmlcodec: decode puzzle validUntil: %w", err)
	}
	return &ParsedPuzzle{Type: doc.Type, MimeType: doc.MimeType, Data: raw, ValidUntil: validUntil}, nil
}
