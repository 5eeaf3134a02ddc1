package marketplace

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Region selects the SP-API regional host.
type Region string

const (
	RegionNA Region = "na"
	RegionEU Region = "eu"
)

// Marketplace is one Amazon marketplace the connector can ingest.
// The set is fixed at startup.
type Marketplace struct {
	Code            string // UK, DE, ...
	ID              string // Amazon marketplace id
	Region          Region
	Country         string
	Company         string
	SalesChannel    string // e.g. Amazon.co.uk
	VATRate         decimal.Decimal
	TableSuffix     string // amazon_api_<suffix>
	CredentialGroup string // marketplaces sharing one LWA app
}

// HasVAT reports whether VAT computation applies to this marketplace.
func (m Marketplace) HasVAT() bool {
	return !m.VATRate.IsZero()
}

// MSSQLTable returns the operational table name, with an optional
// environment suffix such as "_test".
func (m Marketplace) MSSQLTable(envSuffix string) string {
	return "amazon_api_" + m.TableSuffix + envSuffix
}

var registry = []Marketplace{
	{
		Code: "US", ID: "ATVPDKIKX0DER", Region: RegionNA,
		Country: "United States", SalesChannel: "Amazon.com",
		TableSuffix: "usa", CredentialGroup: "na",
	},
	{
		Code: "CA", ID: "A2EUQ1WTGCTBG2", Region: RegionNA,
		Country: "Canada", SalesChannel: "Amazon.ca",
		TableSuffix: "ca", CredentialGroup: "na",
	},
	{
		Code: "UK", ID: "A1F83G8C2ARO7P", Region: RegionEU,
		Country: "United Kingdom", Company: "B2Fitinss", SalesChannel: "Amazon.co.uk",
		VATRate: decimal.NewFromFloat(0.20), TableSuffix: "uk", CredentialGroup: "eu",
	},
	{
		Code: "DE", ID: "A1PA6795UKMFR9", Region: RegionEU,
		Country: "Germany", Company: "B2Fitinss", SalesChannel: "Amazon.de",
		VATRate: decimal.NewFromFloat(0.19), TableSuffix: "de", CredentialGroup: "eu",
	},
	{
		Code: "FR", ID: "A13V1IB3VIYZZH", Region: RegionEU,
		Country: "France", SalesChannel: "Amazon.fr",
		TableSuffix: "fr", CredentialGroup: "eu",
	},
	{
		Code: "IT", ID: "APJ6JRA9NG5V4", Region: RegionEU,
		Country: "Italy", Company: "B2Fitinss", SalesChannel: "Amazon.it",
		VATRate: decimal.NewFromFloat(0.22), TableSuffix: "it", CredentialGroup: "eu",
	},
	{
		Code: "ES", ID: "A1RKKUPIHCS9HS", Region: RegionEU,
		Country: "Spain", Company: "B2fitness LTD", SalesChannel: "Amazon.es",
		VATRate: decimal.NewFromFloat(0.21), TableSuffix: "es", CredentialGroup: "eu",
	},
}

var (
	byCode    = map[string]Marketplace{}
	byID      = map[string]Marketplace{}
	byChannel = map[string]Marketplace{}
)

func init() {
	for _, m := range registry {
		byCode[m.Code] = m
		byID[m.ID] = m
		byChannel[strings.ToLower(m.SalesChannel)] = m
	}
}

// All returns every known marketplace.
func All() []Marketplace {
	out := make([]Marketplace, len(registry))
	copy(out, registry)
	return out
}

// ByCode looks a marketplace up by its short code.
func ByCode(code string) (Marketplace, error) {
	m, ok := byCode[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return Marketplace{}, fmt.Errorf("unknown marketplace code %q", code)
	}
	return m, nil
}

// ByID looks a marketplace up by its Amazon marketplace id.
func ByID(id string) (Marketplace, error) {
	m, ok := byID[strings.TrimSpace(id)]
	if !ok {
		return Marketplace{}, fmt.Errorf("unknown marketplace id %q", id)
	}
	return m, nil
}

// BySalesChannel maps a SalesChannel value (e.g. "Amazon.de") to its
// marketplace. Case-insensitive.
func BySalesChannel(channel string) (Marketplace, bool) {
	m, ok := byChannel[strings.ToLower(strings.TrimSpace(channel))]
	return m, ok
}

// RegionOf maps a marketplace id to its SP-API region, defaulting to NA
// for unknown ids to match legacy behaviour.
func RegionOf(marketplaceID string) Region {
	if m, err := ByID(marketplaceID); err == nil {
		return m.Region
	}
	return RegionNA
}

// Codes resolves a list of codes, rejecting unknown ones.
func Codes(codes []string) ([]Marketplace, error) {
	out := make([]Marketplace, 0, len(codes))
	for _, c := range codes {
		m, err := ByCode(c)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
